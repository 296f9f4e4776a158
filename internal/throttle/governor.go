package throttle

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/time/rate"
)

const (
	MinBlockSize = 1
	MaxBlockSize = 4 * 1024 * 1024
)

// Governor caps throughput at a byte rate shared by every reader it wraps.
// The zero value and a nil *Governor never sleep.
type Governor struct {
	limiter *rate.Limiter
	limit   int64
}

func New(bytesPerSec int64) *Governor {
	if bytesPerSec <= 0 {
		return &Governor{}
	}
	burst := int(min(bytesPerSec, MaxBlockSize))
	return &Governor{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		limit:   bytesPerSec,
	}
}

func (g *Governor) Limit() int64 {
	if g == nil {
		return 0
	}
	return g.limit
}

// Wait blocks until n more bytes fit under the limit.
func (g *Governor) Wait(ctx context.Context, n int) error {
	if g == nil || g.limiter == nil {
		return nil
	}
	burst := g.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := g.limiter.WaitN(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		n -= chunk
	}
	return nil
}

// Reader charges every read against the governor.
func (g *Governor) Reader(ctx context.Context, r io.Reader) io.Reader {
	if g == nil || g.limiter == nil {
		return r
	}
	return &governedReader{ctx: ctx, r: r, g: g}
}

type governedReader struct {
	ctx context.Context
	r   io.Reader
	g   *Governor
}

func (gr *governedReader) Read(p []byte) (int, error) {
	n, err := gr.r.Read(p)
	if n > 0 {
		if werr := gr.g.Wait(gr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// BestBlockSize picks the next read size from the last read's throughput,
// never moving more than a factor of two in either direction.
func BestBlockSize(elapsed time.Duration, bytes int) int {
	newMin := max(bytes/2, MinBlockSize)
	newMax := min(max(bytes*2, MinBlockSize), MaxBlockSize)
	if elapsed < time.Millisecond {
		return newMax
	}
	r := float64(bytes) / elapsed.Seconds()
	if r > float64(newMax) {
		return newMax
	}
	if r < float64(newMin) {
		return newMin
	}
	return int(r)
}

var ErrThrottled = errors.New("download speed fell below the throttle threshold")

// ThrottleDetector reports ErrThrottled once the observed rate has stayed under
// the floor for the whole grace window.
type ThrottleDetector struct {
	Floor  int64
	Window time.Duration

	start time.Time
	bytes int64
	since time.Time
}

func NewThrottleDetector(floor int64) *ThrottleDetector {
	return &ThrottleDetector{Floor: floor, Window: 3 * time.Second}
}

func (d *ThrottleDetector) Observe(n int, now time.Time) error {
	if d == nil || d.Floor <= 0 {
		return nil
	}
	if d.start.IsZero() {
		d.start = now
	}
	d.bytes += int64(n)
	elapsed := now.Sub(d.start).Seconds()
	if elapsed <= 0 {
		return nil
	}
	if float64(d.bytes)/elapsed >= float64(d.Floor) {
		d.since = time.Time{}
		return nil
	}
	if d.since.IsZero() {
		d.since = now
		return nil
	}
	if now.Sub(d.since) > d.Window {
		return ErrThrottled
	}
	return nil
}
