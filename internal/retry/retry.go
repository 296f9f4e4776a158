package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/utils"
)

type Class string

const (
	ClassHTTP       Class = "http"
	ClassFragment   Class = "fragment"
	ClassFileAccess Class = "file_access"
	ClassExtractor  Class = "extractor"
)

// Infinite retries until success or cancellation.
const Infinite = -1

var ErrExhausted = errors.New("retries exhausted")

// 4xx codes that are still worth another attempt.
var retryableStatus = map[int]bool{
	408: true,
	425: true,
	429: true,
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying regardless of its class.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// Retryable reports whether err may succeed on another attempt under class.
func Retryable(class Class, err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *utils.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || retryableStatus[httpErr.StatusCode]
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EINVAL) {
		return class == ClassFileAccess
	}
	if class == ClassFileAccess {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// anything else from the transport layer is assumed transient
	return true
}

type Policy struct {
	Class   Class
	Retries int
	Sleep   SleepFunc
}

// State is reset for every call to Do.
type State struct {
	Attempt int
	LastErr error
}

// Manager retries one logical operation. It never decides the outcome of the
// whole download: the Error callback does.
type Manager struct {
	Policy
	Warn  func(err error, attempt, retries int)
	Error func(err error, attempts int) error
}

func New(p Policy) *Manager {
	if p.Sleep == nil {
		p.Sleep = DefaultSleep(p.Class)
	}
	return &Manager{Policy: p}
}

func (m *Manager) Do(ctx context.Context, op func(ctx context.Context, st *State) error) error {
	st := &State{}
	for {
		st.Attempt++
		err := op(ctx, st)
		if err == nil {
			return nil
		}
		st.LastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !Retryable(m.Class, err) {
			return err
		}
		if m.Retries != Infinite && st.Attempt > m.Retries {
			if m.Error != nil {
				return m.Error(err, st.Attempt)
			}
			return fmt.Errorf("%w (%s, %d attempts): %w", ErrExhausted, m.Class, st.Attempt, err)
		}
		if m.Warn != nil {
			m.Warn(err, st.Attempt, m.Retries)
		} else {
			log.Warn().Str("op", "retry/do").Msgf("%s error: %v. Retrying (%d/%s)...", m.Class, err, st.Attempt, FormatRetries(m.Retries))
		}
		wait := time.Duration(0)
		if m.Sleep != nil {
			wait = m.Sleep(st.Attempt, err)
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FormatRetries renders a retry budget for log messages.
func FormatRetries(n int) string {
	if n == Infinite {
		return "infinite"
	}
	return fmt.Sprint(n)
}
