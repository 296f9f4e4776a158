package fraghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/sink"
	"github.com/tanq16/fragdl/internal/throttle"
	"github.com/tanq16/fragdl/internal/transport"
	"github.com/tanq16/fragdl/internal/utils"
)

// openTarget opens stdout or the part file, appending to an existing partial
// download when continuing is allowed. file is nil for stdout.
func openTarget(ctx context.Context, dctx *engine.DownloadContext) (out sink.Sink, file *sink.FileSink, err error) {
	if dctx.Filename == utils.URLNone {
		return sink.NewWriter(os.Stdout), nil, nil
	}
	opts := dctx.Options()
	fo := sink.FileOptions{Retries: opts.FileAccessRetries, Sleep: opts.RetrySleep[retry.ClassFileAccess]}
	if opts.Continue {
		if info, err := os.Stat(dctx.TmpFilename); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			fo.Resume = true
		}
	}
	file, err = sink.OpenFile(ctx, dctx.Filename, dctx.TmpFilename, fo)
	if err != nil {
		return nil, nil, err
	}
	if off := file.Offset(); off > 0 {
		dctx.SetState(engine.StateResuming)
		dctx.SetResumeOffset(off)
		dctx.Log.Debug().Msgf("Resuming download from offset %d", off)
	}
	return file, file, nil
}

func (d *Downloader) simple(ctx context.Context, dctx *engine.DownloadContext) error {
	out, file, err := openTarget(ctx, dctx)
	if err != nil {
		return err
	}
	dctx.SetState(engine.StateDownloading)
	m := retry.New(dctx.Options().Policy(retry.ClassHTTP))
	m.Warn = func(err error, attempt, retries int) {
		dctx.Log.Warn().Err(err).Msgf("Retrying download for %s (attempt %d/%s)", dctx.Filename, attempt, retry.FormatRetries(retries))
	}
	err = m.Do(ctx, func(ctx context.Context, _ *retry.State) error {
		return d.attempt(ctx, dctx, out, file)
	})
	if err != nil {
		out.Abort()
		return err
	}
	dctx.SetState(engine.StateFinalizing)
	if err := out.Finalize(); err != nil {
		return err
	}
	if file != nil {
		sink.RemoveResume(dctx.TmpFilename)
	}
	dctx.Log.Info().Msgf("Simple download successful for %s", dctx.Filename)
	return nil
}

func (d *Downloader) attempt(ctx context.Context, dctx *engine.DownloadContext, out sink.Sink, file *sink.FileSink) error {
	offset := out.Offset()
	req := transport.Request{URL: dctx.Desc.URL, Headers: dctx.Desc.HTTPHeaders}
	if offset > 0 {
		req.Range = &utils.ByteRange{Start: offset, End: -1}
	}
	resp, err := dctx.Engine().Transport().Open(ctx, req)
	var httpErr *utils.HTTPError
	if offset > 0 && errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		dctx.Log.Info().Msg("Nothing left past the resume offset, the download is complete")
		dctx.SetTotal(offset)
		return nil
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if offset > 0 && !resp.Partial {
		if file == nil {
			return retry.Fatal(errors.New("server does not support resume and the output cannot be rewound"))
		}
		dctx.Log.Warn().Msg("Server does not support resume. Restarting download.")
		if err := file.Truncate(0); err != nil {
			return retry.Fatal(err)
		}
		dctx.SetResumeOffset(0)
		offset = 0
	}
	switch {
	case resp.TotalSize > 0:
		dctx.SetTotal(resp.TotalSize)
	case resp.Size >= 0:
		dctx.SetTotal(offset + resp.Size)
	}

	n, err := copyBody(ctx, dctx, out, resp.Body)
	if err != nil {
		return err
	}
	if resp.Size >= 0 && n < resp.Size {
		return fmt.Errorf("body ended after %d of %d bytes: %w", n, resp.Size, io.ErrUnexpectedEOF)
	}
	return nil
}

// copyBody streams body into out with an adaptive read size, charging the
// rate governor and watching for throttled transfers.
func copyBody(ctx context.Context, dctx *engine.DownloadContext, out sink.Sink, body io.Reader) (int64, error) {
	e := dctx.Engine()
	r := e.Governor().Reader(ctx, body)
	detector := throttle.NewThrottleDetector(e.Options().ThrottledRate)
	buf := make([]byte, throttle.MaxBlockSize)
	block := 1024
	var total int64
	for {
		start := time.Now()
		n, readErr := r.Read(buf[:block])
		if n > 0 {
			if err := out.Append(buf[:n]); err != nil {
				return total, retry.Fatal(err)
			}
			total += int64(n)
			dctx.AddBytes(int64(n))
			block = throttle.BestBlockSize(time.Since(start), n)
			if err := detector.Observe(n, time.Now()); err != nil {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("error reading response body: %w", readErr)
		}
	}
}
