package augment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/utils"
)

const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatFunc performs one keepalive. seq starts at 1 and increases by one per beat.
type HeartbeatFunc func(ctx context.Context, seq int64) error

// Heartbeat runs Callback every Interval on its own goroutine until End.
type Heartbeat struct {
	Interval time.Duration
	Callback HeartbeatFunc
	Hooks

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	seq      atomic.Int64
	failures atomic.Int64
}

func NewHeartbeat(interval time.Duration, cb HeartbeatFunc) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{Interval: interval, Callback: cb}
}

// NewHTTPHeartbeat requests info.URL every interval, as a POST when info.Data is set.
func NewHTTPHeartbeat(doer utils.HTTPDoer, info utils.HeartbeatInfo, headers utils.Headers) *Heartbeat {
	interval := time.Duration(info.Interval * float64(time.Second))
	return NewHeartbeat(interval, func(ctx context.Context, seq int64) error {
		method := http.MethodGet
		var body io.Reader
		if info.Data != "" {
			method = http.MethodPost
			body = strings.NewReader(info.Data)
		}
		req, err := http.NewRequestWithContext(ctx, method, info.URL, body)
		if err != nil {
			return fmt.Errorf("error creating heartbeat request: %w", err)
		}
		headers.Apply(req)
		resp, err := doer.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &utils.HTTPError{StatusCode: resp.StatusCode, URL: info.URL}
		}
		return nil
	})
}

// Start runs the before hook and the first beat synchronously, then keeps
// beating in the background.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return ErrAlreadyStarted
	}
	if err := h.before(ctx); err != nil {
		return fmt.Errorf("heartbeat before_dl: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.beat(ctx)
	go h.loop(ctx, h.done)
	return nil
}

func (h *Heartbeat) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	seq := h.seq.Add(1)
	if err := h.Callback(ctx, seq); err != nil {
		if ctx.Err() != nil {
			return
		}
		h.failures.Add(1)
		log.Warn().Str("op", "augment/heartbeat").Err(err).Msgf("Heartbeat %d failed", seq)
		return
	}
	log.Debug().Str("op", "augment/heartbeat").Msgf("Heartbeat %d sent", seq)
}

// End stops the loop and waits for an in-flight beat. It is a no-op when not started.
func (h *Heartbeat) End() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
	return h.after()
}

// Sent is the number of beats attempted so far.
func (h *Heartbeat) Sent() int64 {
	return h.seq.Load()
}

func (h *Heartbeat) Failures() int64 {
	return h.failures.Load()
}
