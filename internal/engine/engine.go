package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/throttle"
	"github.com/tanq16/fragdl/internal/transport"
	"github.com/tanq16/fragdl/internal/utils"
)

// Downloader is one protocol strategy.
type Downloader interface {
	Download(ctx context.Context, dctx *DownloadContext) error
}

type DownloaderFunc func(ctx context.Context, dctx *DownloadContext) error

func (f DownloaderFunc) Download(ctx context.Context, dctx *DownloadContext) error {
	return f(ctx, dctx)
}

// Registry maps protocol tags to strategies. It is filled explicitly at startup.
type Registry map[utils.Protocol]Downloader

var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// DownloadError is the typed failure returned by Download.
type DownloadError struct {
	Filename string
	State    State
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed while %s: %v", e.Filename, e.State, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Result is handed to whatever post-processes the file. Info is passed
// through from the descriptor untouched.
type Result struct {
	ID       string
	Filename string
	Bytes    int64
	Skipped  bool
	Gaps     []int
	Info     map[string]any
}

type Engine struct {
	opts      Options
	registry  Registry
	transport transport.Transport
	client    utils.HTTPDoer
	governor  *throttle.Governor

	mu    sync.RWMutex
	hooks []ProgressHook
}

// New builds an engine. tr fetches fragments, client serves manifests and heartbeats.
func New(opts Options, registry Registry, tr transport.Transport, client utils.HTTPDoer) *Engine {
	opts = opts.normalized()
	return &Engine{
		opts:      opts,
		registry:  registry,
		transport: tr,
		client:    client,
		governor:  throttle.New(opts.RateLimit),
	}
}

func (e *Engine) Options() Options               { return e.opts }
func (e *Engine) Transport() transport.Transport { return e.transport }
func (e *Engine) Client() utils.HTTPDoer         { return e.client }
func (e *Engine) Governor() *throttle.Governor   { return e.governor }

func (e *Engine) AddProgressHook(h ProgressHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

func (e *Engine) emit(p Progress) {
	e.mu.RLock()
	hooks := e.hooks
	e.mu.RUnlock()
	for _, h := range hooks {
		h(p)
	}
}

// protocolFor resolves the strategy tag, honouring the serial sentinel URL.
func protocolFor(desc *utils.FormatDescriptor) utils.Protocol {
	if desc.URL == utils.URLSerial {
		return utils.ProtocolSerial
	}
	if desc.Protocol == utils.ProtocolHTTPS {
		return utils.ProtocolHTTP
	}
	return desc.Protocol
}

// shouldSkip mirrors the overwrite and continue policies: an existing target is
// left alone when overwriting is off, or when resuming and the part file scheme
// means the final name only ever holds complete downloads.
func (e *Engine) shouldSkip(filename string) (os.FileInfo, bool) {
	if filename == utils.URLNone {
		return nil, false
	}
	info, err := os.Stat(filename)
	if err != nil {
		return nil, false
	}
	if !e.opts.Overwrite {
		return info, true
	}
	if e.opts.Continue && info.Mode().IsRegular() && !e.opts.NoPart {
		return info, true
	}
	return nil, false
}

// Download fetches desc into filename. desc is never modified.
func (e *Engine) Download(ctx context.Context, filename string, desc *utils.FormatDescriptor) (*Result, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	desc = desc.Clone()
	proto := protocolFor(desc)
	dl := e.registry[proto]
	if dl == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, desc.Protocol)
	}

	if info, skip := e.shouldSkip(filename); skip {
		log.Info().Str("op", "engine/download").Msgf("%s has already been downloaded", filename)
		e.emit(Progress{Status: StatusFinished, Filename: filename, DownloadedBytes: info.Size(), TotalBytes: info.Size(), ETA: -1})
		return &Result{Filename: filename, Bytes: info.Size(), Skipped: true, Info: desc.Info}, nil
	}

	dctx := newContext(e, filename, desc)
	dctx.Log.Info().Msgf("Downloading %s to %s", desc, filename)
	err := e.run(ctx, dctx, dl)
	if closeErr := dctx.Close(); closeErr != nil {
		dctx.Log.Warn().Err(closeErr).Msg("Teardown reported errors")
	}
	if err != nil {
		state := dctx.State()
		dctx.SetState(StateAborted)
		dctx.fail(err)
		dctx.report(StatusError)
		if !e.opts.KeepPartial && !errors.Is(err, context.Canceled) {
			dctx.removePartial()
		}
		return nil, &DownloadError{Filename: filename, State: state, Err: err}
	}

	dctx.SetState(StateDone)
	size := dctx.Downloaded()
	if info, statErr := os.Stat(filename); statErr == nil && info.Mode().IsRegular() {
		size = info.Size()
	}
	dctx.mu.Lock()
	dctx.downloaded = size
	dctx.total = size
	dctx.mu.Unlock()
	dctx.report(StatusFinished)
	if gaps := dctx.Gaps(); len(gaps) > 0 {
		dctx.Log.Warn().Msgf("%d fragments were unavailable and left out: %v", len(gaps), gaps)
	}
	return &Result{ID: dctx.ID, Filename: filename, Bytes: size, Gaps: dctx.Gaps(), Info: desc.Info}, nil
}

func (e *Engine) run(ctx context.Context, dctx *DownloadContext, dl Downloader) error {
	if err := dctx.startAugments(ctx); err != nil {
		return fmt.Errorf("error starting augments: %w", err)
	}
	dctx.SetState(StateDownloading)
	return dl.Download(ctx, dctx)
}

// Delegate runs the strategy registered for proto on the same context, with a
// copy of the descriptor retagged to proto.
func (e *Engine) Delegate(ctx context.Context, dctx *DownloadContext, proto utils.Protocol) error {
	dl := e.registry[proto]
	if dl == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, proto)
	}
	desc := dctx.Desc.Clone()
	desc.Protocol = proto
	dctx.Log.Debug().Msgf("Delegating to %s", proto)
	prev := dctx.Desc
	dctx.Desc = desc
	defer func() { dctx.Desc = prev }()
	return dl.Download(ctx, dctx)
}

func (e *Engine) logger() *zerolog.Logger {
	l := log.With().Str("component", "engine").Logger()
	return &l
}
