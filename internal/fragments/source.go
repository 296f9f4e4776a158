package fragments

import (
	"cmp"
	"context"
	"io"
	"regexp"
	"slices"
	"strconv"

	"github.com/tanq16/fragdl/internal/utils"
)

// Source yields fragments in strictly increasing Index order and returns io.EOF
// once exhausted. Index 0 is reserved for an initialization segment.
type Source interface {
	Next(ctx context.Context) (utils.FragmentRef, error)
	// Count is the total number of fragments, or -1 while it is still unknown.
	Count() int
}

// Static serves a fragment list that is fully known upfront.
type Static struct {
	frags []utils.FragmentRef
	pos   int
}

// NewStatic serves the list in Index order. A list carrying no indices at all
// is numbered 1..N in list order.
func NewStatic(frags []utils.FragmentRef) *Static {
	out := make([]utils.FragmentRef, len(frags))
	copy(out, frags)
	numbered := false
	for _, f := range out {
		if f.Index != 0 {
			numbered = true
			break
		}
	}
	if !numbered {
		for i := range out {
			out[i].Index = i + 1
		}
	}
	slices.SortStableFunc(out, func(a, b utils.FragmentRef) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return &Static{frags: out}
}

func (s *Static) Next(ctx context.Context) (utils.FragmentRef, error) {
	if err := ctx.Err(); err != nil {
		return utils.FragmentRef{}, err
	}
	if s.pos >= len(s.frags) {
		return utils.FragmentRef{}, io.EOF
	}
	f := s.frags[s.pos]
	s.pos++
	return f, nil
}

func (s *Static) Count() int {
	return len(s.frags)
}

// Reset rewinds the source so the whole list can be iterated again.
func (s *Static) Reset() {
	s.pos = 0
}

var sqRegex = regexp.MustCompile(`/sq/(\d+)`)

// SequenceTemplate derives a URL generator from a fragment whose URL carries a
// /sq/<n> segment, so gaps between manifest windows can still be addressed.
func SequenceTemplate(known utils.FragmentRef) (func(index int) utils.FragmentRef, bool) {
	loc := sqRegex.FindStringSubmatchIndex(known.URL)
	if loc == nil {
		return nil, false
	}
	seq, err := strconv.Atoi(known.URL[loc[2]:loc[3]])
	if err != nil {
		return nil, false
	}
	prefix, suffix := known.URL[:loc[2]], known.URL[loc[3]:]
	return func(index int) utils.FragmentRef {
		n := seq + (index - known.Index)
		return utils.FragmentRef{
			Index:    index,
			URL:      prefix + strconv.Itoa(n) + suffix,
			Duration: known.Duration,
		}
	}, true
}
