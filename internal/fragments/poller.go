package fragments

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

const DefaultPollInterval = 5 * time.Second

// Snapshot is one view of a live manifest.
type Snapshot struct {
	Fragments []utils.FragmentRef
	Header    *utils.FragmentRef
	Ended     bool
}

type SnapshotFunc func(ctx context.Context) (*Snapshot, error)

type PollerOptions struct {
	Interval time.Duration
	// FromStart fills the gap between FirstIndex and the first advertised
	// window when fragment URLs can be templated.
	FromStart  bool
	FirstIndex int
}

// LivePoller re-fetches a manifest and yields every fragment it has not yielded
// yet. A failed poll is logged and retried on the next period.
type LivePoller struct {
	fetch SnapshotFunc
	opts  PollerOptions

	high       int
	started    bool
	headerDone bool
	queue      []utils.FragmentRef
	ended      bool
	yielded    int
	lastPoll   time.Time
	failures   int
	template   func(int) utils.FragmentRef
	log        zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewLivePoller(fetch SnapshotFunc, opts PollerOptions) *LivePoller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.FirstIndex <= 0 {
		opts.FirstIndex = 1
	}
	return &LivePoller{
		fetch: fetch,
		opts:  opts,
		log:   log.With().Str("component", "live-poller").Logger(),
		now:   time.Now,
		sleep: retry.Sleep,
	}
}

func (p *LivePoller) Next(ctx context.Context) (utils.FragmentRef, error) {
	for {
		if err := ctx.Err(); err != nil {
			return utils.FragmentRef{}, err
		}
		if len(p.queue) > 0 {
			f := p.queue[0]
			p.queue = p.queue[1:]
			p.yielded++
			return f, nil
		}
		if p.ended {
			return utils.FragmentRef{}, io.EOF
		}
		if err := p.poll(ctx); err != nil {
			return utils.FragmentRef{}, err
		}
	}
}

// Count stays unknown until the manifest has signalled its end.
func (p *LivePoller) Count() int {
	if !p.ended {
		return -1
	}
	return p.yielded + len(p.queue)
}

// Failures is the number of polls that could not fetch the manifest.
func (p *LivePoller) Failures() int {
	return p.failures
}

func (p *LivePoller) poll(ctx context.Context) error {
	if !p.lastPoll.IsZero() {
		wait := p.opts.Interval - p.now().Sub(p.lastPoll)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	p.lastPoll = p.now()
	snap, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.failures++
		p.log.Debug().Err(err).Int("failures", p.failures).Msg("manifest poll failed, retrying next period")
		return nil
	}
	p.accept(snap)
	return nil
}

func (p *LivePoller) accept(snap *Snapshot) {
	if snap.Header != nil && !p.headerDone {
		h := *snap.Header
		h.Index = 0
		p.queue = append(p.queue, h)
		p.headerDone = true
	}
	frags := slices.Clone(snap.Fragments)
	slices.SortFunc(frags, func(a, b utils.FragmentRef) int { return a.Index - b.Index })

	next := p.high + 1
	if !p.started {
		if p.opts.FromStart {
			next = p.opts.FirstIndex
		} else if len(frags) > 0 {
			next = frags[0].Index
		}
	}
	for _, f := range frags {
		if f.Index < next {
			continue
		}
		if p.template == nil {
			if tpl, ok := SequenceTemplate(f); ok {
				p.template = tpl
			}
		}
		if f.Index > next && p.template != nil {
			for gap := next; gap < f.Index; gap++ {
				p.queue = append(p.queue, p.template(gap))
			}
		} else if f.Index > next && p.started {
			p.log.Warn().Int("from", next).Int("to", f.Index-1).Msg("fragments left the manifest window before they could be fetched")
		}
		p.queue = append(p.queue, f)
		next = f.Index + 1
	}
	if next-1 > p.high {
		p.high = next - 1
		p.started = true
	}
	p.ended = snap.Ended
}
