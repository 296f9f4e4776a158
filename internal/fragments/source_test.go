package fragments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fragdl/internal/utils"
)

func drain(t *testing.T, src Source) []utils.FragmentRef {
	t.Helper()
	var out []utils.FragmentRef
	for {
		f, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func indices(frags []utils.FragmentRef) []int {
	out := make([]int, len(frags))
	for i, f := range frags {
		out[i] = f.Index
	}
	return out
}

func TestStaticNumbersAndRestarts(t *testing.T) {
	s := NewStatic([]utils.FragmentRef{{Path: "a"}, {Path: "b"}, {Path: "c"}})
	assert.Equal(t, 3, s.Count())
	assert.Equal(t, []int{1, 2, 3}, indices(drain(t, s)))
	s.Reset()
	assert.Equal(t, []int{1, 2, 3}, indices(drain(t, s)))

	withInit := NewStatic([]utils.FragmentRef{{Index: 0, Path: "init"}, {Index: 1, Path: "a"}})
	assert.Equal(t, []int{0, 1}, indices(drain(t, withInit)))
}

func TestStaticServesIndexOrder(t *testing.T) {
	s := NewStatic([]utils.FragmentRef{{Index: 3, Path: "c"}, {Index: 1, Path: "a"}, {Index: 0, Path: "init"}, {Index: 2, Path: "b"}})
	frags := drain(t, s)
	assert.Equal(t, []int{0, 1, 2, 3}, indices(frags))
	assert.Equal(t, "init", frags[0].Path)
	assert.Equal(t, "c", frags[3].Path)
}

func TestStaticHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStatic([]utils.FragmentRef{{Path: "a"}}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func window(from, to int) []utils.FragmentRef {
	var out []utils.FragmentRef
	for i := from; i <= to; i++ {
		out = append(out, utils.FragmentRef{Index: i, URL: fmt.Sprintf("https://cdn/seg-%d.ts", i)})
	}
	return out
}

type scriptedManifest struct {
	snaps []*Snapshot
	errs  map[int]error
	calls int
}

func (m *scriptedManifest) fetch(context.Context) (*Snapshot, error) {
	i := m.calls
	m.calls++
	if err, ok := m.errs[i]; ok {
		return nil, err
	}
	if i >= len(m.snaps) {
		return m.snaps[len(m.snaps)-1], nil
	}
	return m.snaps[i], nil
}

func newTestPoller(fetch SnapshotFunc, opts PollerOptions) (*LivePoller, *[]time.Duration) {
	p := NewLivePoller(fetch, opts)
	clock := time.Unix(1000, 0)
	var sleeps []time.Duration
	p.now = func() time.Time { return clock }
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		clock = clock.Add(d)
		return nil
	}
	return p, &sleeps
}

func TestLivePollerMonotonicAndTerminates(t *testing.T) {
	m := &scriptedManifest{snaps: []*Snapshot{
		{Fragments: window(1, 3)},
		{Fragments: window(1, 3)},
		{Fragments: window(2, 5)},
		{Fragments: window(4, 5)},
		{Fragments: window(5, 8)},
		{Fragments: window(6, 9), Ended: true},
	}}
	p, sleeps := newTestPoller(m.fetch, PollerOptions{Interval: 5 * time.Second})

	got := indices(drain(t, p))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.Equal(t, 6, m.calls)
	assert.Equal(t, 9, p.Count())
	for _, d := range *sleeps {
		assert.Equal(t, 5*time.Second, d)
	}
}

func TestLivePollerRandomisedNeverRepeats(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var snaps []*Snapshot
	latest := 3
	for range 40 {
		latest += rng.Intn(3)
		lo := max(1, latest-rng.Intn(6))
		snaps = append(snaps, &Snapshot{Fragments: window(lo, latest)})
	}
	snaps = append(snaps, &Snapshot{Fragments: window(latest-2, latest), Ended: true})
	m := &scriptedManifest{snaps: snaps}
	p, _ := newTestPoller(m.fetch, PollerOptions{})

	got := indices(drain(t, p))
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1], "index went backwards or repeated at %d", i)
	}
	assert.Equal(t, latest, got[len(got)-1])
	assert.Equal(t, len(snaps), m.calls)
}

func TestLivePollerSurvivesFailedPolls(t *testing.T) {
	m := &scriptedManifest{
		snaps: []*Snapshot{{Fragments: window(1, 2)}, {Fragments: window(1, 2)}, {Fragments: window(1, 4), Ended: true}},
		errs:  map[int]error{1: errors.New("connection reset")},
	}
	p, _ := newTestPoller(m.fetch, PollerOptions{})
	assert.Equal(t, []int{1, 2, 3, 4}, indices(drain(t, p)))
	assert.Equal(t, 1, p.Failures())
}

func TestLivePollerPeriodAccountsForFetchTime(t *testing.T) {
	var p *LivePoller
	var clock time.Time
	calls := 0
	fetch := func(context.Context) (*Snapshot, error) {
		calls++
		clock = clock.Add(2 * time.Second)
		if calls == 3 {
			return &Snapshot{Fragments: window(1, 1), Ended: true}, nil
		}
		return &Snapshot{}, nil
	}
	p = NewLivePoller(fetch, PollerOptions{Interval: 5 * time.Second})
	clock = time.Unix(0, 0)
	var sleeps []time.Duration
	p.now = func() time.Time { return clock }
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		clock = clock.Add(d)
		return nil
	}
	drain(t, p)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, sleeps)
}

func TestLivePollerFillsGapsFromSequenceTemplate(t *testing.T) {
	sq := func(from, to int) []utils.FragmentRef {
		var out []utils.FragmentRef
		for i := from; i <= to; i++ {
			out = append(out, utils.FragmentRef{Index: i + 1, URL: fmt.Sprintf("https://yt/videoplayback/sq/%d/lmt/1", i)})
		}
		return out
	}
	m := &scriptedManifest{snaps: []*Snapshot{
		{Fragments: sq(10, 12)},
		{Fragments: sq(16, 18), Ended: true},
	}}
	p, _ := newTestPoller(m.fetch, PollerOptions{FromStart: true})
	got := drain(t, p)
	require.Len(t, got, 19)
	assert.Equal(t, "https://yt/videoplayback/sq/0/lmt/1", got[0].URL)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, "https://yt/videoplayback/sq/14/lmt/1", got[14].URL)
	assert.Equal(t, 19, got[18].Index)
}

func TestLivePollerEmitsHeaderOnce(t *testing.T) {
	init := &utils.FragmentRef{URL: "https://cdn/init.mp4"}
	m := &scriptedManifest{snaps: []*Snapshot{
		{Header: init, Fragments: window(1, 1)},
		{Header: init, Fragments: window(1, 2), Ended: true},
	}}
	p, _ := newTestPoller(m.fetch, PollerOptions{})
	assert.Equal(t, []int{0, 1, 2}, indices(drain(t, p)))
}

func TestLivePollerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewLivePoller(func(context.Context) (*Snapshot, error) {
		cancel()
		return nil, context.Canceled
	}, PollerOptions{})
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
