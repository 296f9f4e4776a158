package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tanq16/fragdl/internal/fragments"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/sink"
	"github.com/tanq16/fragdl/internal/transport"
	"github.com/tanq16/fragdl/internal/utils"
	"golang.org/x/sync/errgroup"
)

var ErrFragmentUnavailable = errors.New("fragment unavailable")

// FragmentJob describes one fragment loop.
type FragmentJob struct {
	Source  fragments.Source
	BaseURL string
	Headers utils.Headers
	// Sink overrides the default part file. Custom sinks never resume.
	Sink sink.Sink
	// SkipUnavailable forces gap recording regardless of Options.
	SkipUnavailable bool
	// NoFinalize leaves the default part file in place for a caller that
	// post-processes it.
	NoFinalize bool
}

type fetched struct {
	seq  int
	frag utils.FragmentRef
	data []byte
	err  error
}

// FetchFragment reads one fragment fully. A retried attempt continues from the
// bytes already received with a range request when the server allows it.
func (e *Engine) FetchFragment(ctx context.Context, frag utils.FragmentRef, baseURL string, headers utils.Headers) ([]byte, error) {
	url, err := frag.Resolve(baseURL)
	if err != nil {
		return nil, retry.Fatal(err)
	}
	m := retry.New(e.opts.Policy(retry.ClassFragment))
	m.Warn = func(err error, attempt, retries int) {
		e.logger().Warn().Err(err).Msgf("Retrying fragment %d (attempt %d of %s)", frag.Index, attempt, retry.FormatRetries(retries))
	}
	m.Error = func(err error, attempts int) error {
		return fmt.Errorf("%w: fragment %d after %d attempts: %w", ErrFragmentUnavailable, frag.Index, attempts, err)
	}
	var buf bytes.Buffer
	err = m.Do(ctx, func(ctx context.Context, st *retry.State) error {
		req := transport.Request{URL: url, Headers: headers, Range: frag.Range}
		if got := int64(buf.Len()); got > 0 {
			r := utils.ByteRange{Start: got, End: -1}
			if frag.Range != nil {
				r = utils.ByteRange{Start: frag.Range.Start + got, End: frag.Range.End}
			}
			req.Range = &r
		}
		resp, err := e.transport.Open(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if req.Range != nil && !resp.Partial {
			if frag.Range != nil {
				return retry.Fatal(fmt.Errorf("server ignored the byte range of fragment %d", frag.Index))
			}
			// full body despite the range: start over
			buf.Reset()
		}
		_, err = io.Copy(&buf, e.governor.Reader(ctx, resp.Body))
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrFragmentUnavailable) {
			err = fmt.Errorf("%w: fragment %d: %w", ErrFragmentUnavailable, frag.Index, err)
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// openPartFile opens the part file, resuming at the last fragment boundary
// recorded in the side-car state when continuing is allowed.
func (e *Engine) openPartFile(ctx context.Context, dctx *DownloadContext) (*sink.FileSink, *sink.ResumeState, error) {
	opts := sink.FileOptions{Retries: e.opts.FileAccessRetries, Sleep: e.opts.RetrySleep[retry.ClassFileAccess]}
	tmp := dctx.TmpFilename
	if e.opts.Continue && !dctx.Live {
		st, err := sink.LoadResume(tmp)
		if err != nil {
			dctx.Log.Warn().Err(err).Msg("Ignoring unreadable resume state, restarting")
		}
		info, statErr := os.Stat(tmp)
		switch {
		case st != nil && statErr == nil && info.Size() >= st.Offset:
			dctx.SetState(StateResuming)
			opts.Resume = true
			s, err := sink.OpenFile(ctx, dctx.Filename, tmp, opts)
			if err != nil {
				return nil, nil, err
			}
			if err := s.Truncate(st.Offset); err != nil {
				s.Abort()
				return nil, nil, err
			}
			dctx.SetResumed(st.Offset, st.Count)
			dctx.Log.Info().Msgf("Resuming after fragment %d at byte %d", st.LastIndex, st.Offset)
			return s, st, nil
		case st != nil:
			dctx.Log.Warn().Msg("Part file is shorter than its resume state, restarting")
		case statErr == nil && info.Size() > 0:
			dctx.Log.Warn().Msg("Part file has no resume state, restarting")
		}
	}
	s, err := sink.OpenFile(ctx, dctx.Filename, tmp, opts)
	if err != nil {
		return nil, nil, err
	}
	return s, &sink.ResumeState{}, nil
}

// DownloadFragments runs the fragment loop: a pool of Concurrency workers
// fetches ahead while a single writer appends in index order.
func (e *Engine) DownloadFragments(ctx context.Context, dctx *DownloadContext, job FragmentJob) error {
	var (
		out   sink.Sink
		part  *sink.FileSink
		state *sink.ResumeState
	)
	switch {
	case job.Sink != nil:
		out = job.Sink
	case dctx.Filename == utils.URLNone:
		out = sink.NewWriter(os.Stdout)
	default:
		var err error
		part, state, err = e.openPartFile(ctx, dctx)
		if err != nil {
			return err
		}
		out = part
	}
	dctx.SetState(StateDownloading)

	err := e.fragmentLoop(ctx, dctx, job, out, part, state)
	if err != nil {
		if abortErr := out.Abort(); abortErr != nil {
			dctx.Log.Debug().Err(abortErr).Msg("Sink abort failed")
		}
		return err
	}
	if job.NoFinalize && part != nil {
		return part.Abort()
	}
	dctx.SetState(StateFinalizing)
	if err := out.Finalize(); err != nil {
		return err
	}
	if part != nil {
		sink.RemoveResume(dctx.TmpFilename)
	}
	return nil
}

func (e *Engine) fragmentLoop(parent context.Context, dctx *DownloadContext, job FragmentJob, out sink.Sink, part *sink.FileSink, state *sink.ResumeState) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	skipUnavailable := job.SkipUnavailable || e.opts.SkipUnavailable
	bound := e.opts.MaxBuffered
	// the writer keeps updating state, the dispatcher only needs what was resumed
	resumed := state.Clone()

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan fetched)
	// every result holds a slot, so sends never block once the writer stops
	results := make(chan fetched, bound)
	slots := make(chan struct{}, bound)

	g.Go(func() error {
		defer close(jobs)
		seq := 0
		for {
			frag, err := job.Source.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if resumed.Done(frag.Index) {
				continue
			}
			select {
			case slots <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- fetched{seq: seq, frag: frag}:
				seq++
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	var wg sync.WaitGroup
	for range e.opts.Concurrency {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for f := range jobs {
				f.data, f.err = e.FetchFragment(gctx, f.frag, job.BaseURL, job.Headers)
				results <- f
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	werr := e.writeOrdered(gctx, dctx, job, results, slots, out, part, state, skipUnavailable)
	if werr != nil {
		cancel()
	}
	gerr := g.Wait()
	if err := parent.Err(); err != nil {
		return err
	}
	if gerr != nil && !errors.Is(gerr, context.Canceled) {
		return gerr
	}
	return werr
}

// writeOrdered holds out of order fragments until every earlier one is written.
func (e *Engine) writeOrdered(ctx context.Context, dctx *DownloadContext, job FragmentJob, results <-chan fetched, slots <-chan struct{}, out sink.Sink, part *sink.FileSink, state *sink.ResumeState, skipUnavailable bool) error {
	pending := make(map[int]fetched)
	next := 0
	for r := range results {
		pending[r.seq] = r
		for {
			f, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			err := e.writeFragment(ctx, dctx, job, f, out, part, state, skipUnavailable)
			<-slots
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) writeFragment(ctx context.Context, dctx *DownloadContext, job FragmentJob, f fetched, out sink.Sink, part *sink.FileSink, state *sink.ResumeState, skipUnavailable bool) error {
	count := job.Source.Count()
	if f.err != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		if errors.Is(f.err, context.Canceled) {
			return f.err
		}
		// the init segment is required for every later fragment to decode
		if !skipUnavailable || f.frag.Index == 0 {
			return f.err
		}
		dctx.Log.Warn().Err(f.err).Msgf("Skipping fragment %d", f.frag.Index)
		if part != nil {
			state.Skip(f.frag.Index)
			if err := sink.SaveResume(dctx.TmpFilename, state); err != nil {
				return err
			}
		}
		dctx.FragmentWritten(f.frag.Index, count, out.Offset(), true)
		return nil
	}
	if err := out.Append(f.data); err != nil {
		return err
	}
	if part != nil {
		state.Record(f.frag.Index, out.Offset())
		if err := sink.SaveResume(dctx.TmpFilename, state); err != nil {
			return err
		}
	}
	dctx.FragmentWritten(f.frag.Index, count, out.Offset(), false)
	return nil
}
