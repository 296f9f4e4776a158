package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/augment"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/sink"
	"github.com/tanq16/fragdl/internal/utils"
)

type State string

const (
	StateInit        State = "init"
	StateResuming    State = "resuming"
	StateDownloading State = "downloading"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
	StateSkipped     State = "skipped"
	StateAborted     State = "aborted"
)

// DownloadContext is the mutable state of one Download call. It owns every
// augment, worker and subprocess started for it, and releases them in Close.
type DownloadContext struct {
	ID          string
	Filename    string
	TmpFilename string
	Desc        *utils.FormatDescriptor
	Live        bool
	Start       time.Time
	Log         zerolog.Logger

	engine *Engine

	mu            sync.Mutex
	state         State
	resumeOffset  int64
	downloaded    int64
	total         int64
	fragmentIndex int
	fragmentCount int
	fragmentsDone int
	gaps          []int
	lastErr       error
	server        *augment.HTTPServer
	augments      []augment.Augment
	cleanups      []func() error
}

func newContext(e *Engine, filename string, desc *utils.FormatDescriptor) *DownloadContext {
	id := uuid.New().String()
	return &DownloadContext{
		ID:          id,
		Filename:    filename,
		TmpFilename: sink.TempName(filename, e.opts.NoPart),
		Desc:        desc,
		Live:        desc.IsLive,
		Start:       time.Now(),
		Log:         log.With().Str("component", "engine").Str("download", id[:8]).Logger(),
		engine:      e,
		state:       StateInit,
		total:       desc.Filesize,
	}
}

// Derive returns a context for an intermediate file of the same download. It
// shares the id and descriptor but owns no augments.
func (d *DownloadContext) Derive(filename string) *DownloadContext {
	c := newContext(d.engine, filename, d.Desc)
	c.ID = d.ID
	c.Log = d.Log.With().Str("file", filename).Logger()
	c.Live = d.Live
	return c
}

func (d *DownloadContext) Engine() *Engine {
	return d.engine
}

func (d *DownloadContext) Options() Options {
	return d.engine.opts
}

func (d *DownloadContext) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DownloadContext) SetState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		d.Log.Debug().Msgf("%s -> %s", prev, s)
	}
}

func (d *DownloadContext) SetResumeOffset(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumeOffset = n
	d.downloaded = n
}

// SetResumed seeds the counters with the fragments already in the part file,
// so size estimates extrapolate from every fragment and not just the new ones.
func (d *DownloadContext) SetResumed(offset int64, fragments int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resumeOffset = offset
	d.downloaded = offset
	d.fragmentsDone = fragments
}

func (d *DownloadContext) SetTotal(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.total = n
}

func (d *DownloadContext) Downloaded() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloaded
}

// Gaps lists fragments skipped as unavailable.
func (d *DownloadContext) Gaps() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.gaps...)
}

// Server is the HTTP server augment, nil unless the format declared routes.
func (d *DownloadContext) Server() *augment.HTTPServer {
	return d.server
}

// AddBytes records progress of a byte oriented transfer and notifies hooks.
func (d *DownloadContext) AddBytes(n int64) {
	d.mu.Lock()
	d.downloaded += n
	d.mu.Unlock()
	d.report(StatusDownloading)
}

// SetDownloaded replaces the byte counter, for transfers measured from outside
// such as an encoder writing the file itself.
func (d *DownloadContext) SetDownloaded(n int64) {
	d.mu.Lock()
	d.downloaded = n
	d.mu.Unlock()
	d.report(StatusDownloading)
}

// FragmentWritten records progress after a fragment reached the sink.
func (d *DownloadContext) FragmentWritten(index, count int, offset int64, skipped bool) {
	d.mu.Lock()
	d.downloaded = offset
	d.fragmentIndex = index
	d.fragmentCount = count
	d.fragmentsDone++
	if skipped {
		d.gaps = append(d.gaps, index)
	}
	d.mu.Unlock()
	d.report(StatusDownloading)
}

// Processing tells hooks the transfer is done and post work is running.
func (d *DownloadContext) Processing() {
	d.report(StatusProcessing)
}

func (d *DownloadContext) snapshot(status Status) Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := Progress{
		ID:              d.ID,
		Status:          status,
		Filename:        d.Filename,
		TmpFilename:     d.TmpFilename,
		DownloadedBytes: d.downloaded,
		TotalBytes:      d.total,
		Elapsed:         time.Since(d.Start),
		FragmentIndex:   d.fragmentIndex,
		FragmentCount:   d.fragmentCount,
		ETA:             -1,
		Err:             d.lastErr,
	}
	if p.TotalBytes <= 0 {
		p.TotalBytesEstimate = EstimateTotal(d.downloaded, d.fragmentsDone, d.fragmentCount)
		if p.TotalBytesEstimate <= 0 {
			p.TotalBytesEstimate = d.Desc.FilesizeApprox
		}
	}
	p.Speed = CalcSpeed(p.Elapsed, d.downloaded-d.resumeOffset)
	total := p.TotalBytes
	if total <= 0 {
		total = p.TotalBytesEstimate
	}
	p.ETA = CalcETA(p.Speed, d.downloaded, total)
	return p
}

func (d *DownloadContext) report(status Status) {
	d.engine.emit(d.snapshot(status))
}

// AddAugment starts a and schedules its End for Close.
func (d *DownloadContext) AddAugment(ctx context.Context, a augment.Augment) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.augments = append(d.augments, a)
	d.mu.Unlock()
	return nil
}

// OnClose registers f to run when the download scope exits, in reverse order.
func (d *DownloadContext) OnClose(f func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanups = append(d.cleanups, f)
}

func (d *DownloadContext) startAugments(ctx context.Context) error {
	desc := d.Desc
	if len(desc.ServerRoutes) > 0 {
		srv, err := augment.NewHTTPServer(desc.ServerRoutes)
		if err != nil {
			return err
		}
		if err := d.AddAugment(ctx, srv); err != nil {
			return err
		}
		d.server = srv
	}
	if desc.Heartbeat != nil && desc.Heartbeat.URL != "" {
		hb := augment.NewHTTPHeartbeat(d.engine.client, *desc.Heartbeat, desc.HTTPHeaders)
		d.Log.Info().Msgf("Heartbeat with %s interval", hb.Interval)
		if err := d.AddAugment(ctx, hb); err != nil {
			return err
		}
	}
	return nil
}

// Close ends every augment and cleanup, newest first, and reports all failures.
func (d *DownloadContext) Close() error {
	d.mu.Lock()
	augments := d.augments
	cleanups := d.cleanups
	d.augments, d.cleanups = nil, nil
	d.mu.Unlock()

	var result *multierror.Error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for i := len(augments) - 1; i >= 0; i-- {
		if err := augments[i].End(); err != nil {
			result = multierror.Append(result, fmt.Errorf("augment teardown: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Commit renames the temp file written by someone other than a sink into place.
func (d *DownloadContext) Commit(ctx context.Context) error {
	if d.TmpFilename == d.Filename || d.Filename == utils.URLNone {
		return nil
	}
	opts := d.engine.opts
	m := retry.New(opts.Policy(retry.ClassFileAccess))
	err := m.Do(ctx, func(context.Context, *retry.State) error {
		return os.Rename(d.TmpFilename, d.Filename)
	})
	if err != nil {
		return fmt.Errorf("error renaming (finalizing) output file: %w", err)
	}
	return nil
}

func (d *DownloadContext) fail(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// removePartial deletes the temp file and its resume state.
func (d *DownloadContext) removePartial() {
	if d.TmpFilename == d.Filename || d.TmpFilename == utils.URLNone {
		return
	}
	os.Remove(d.TmpFilename)
	sink.RemoveResume(d.TmpFilename)
}
