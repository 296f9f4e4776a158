package fragments

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

type mpdDocument struct {
	Type    string      `xml:"type,attr"`
	BaseURL string      `xml:"BaseURL"`
	Periods []mpdPeriod `xml:"Period"`
}

type mpdPeriod struct {
	BaseURL        string             `xml:"BaseURL"`
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	BaseURL         string              `xml:"BaseURL"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *mpdSegmentList     `xml:"SegmentList"`
	Representations []mpdRepresentation `xml:"Representation"`
}

type mpdRepresentation struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int                 `xml:"bandwidth,attr"`
	BaseURL         string              `xml:"BaseURL"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *mpdSegmentList     `xml:"SegmentList"`
}

type mpdSegmentList struct {
	StartNumber    *int `xml:"startNumber,attr"`
	Initialization *struct {
		SourceURL string `xml:"sourceURL,attr"`
	} `xml:"Initialization"`
	SegmentURLs []struct {
		Media string `xml:"media,attr"`
	} `xml:"SegmentURL"`
}

type mpdSegmentTemplate struct {
	Media          string `xml:"media,attr"`
	Initialization string `xml:"initialization,attr"`
	StartNumber    *int   `xml:"startNumber,attr"`
	Timeline       *struct {
		S []struct {
			T *int64 `xml:"t,attr"`
			D int64  `xml:"d,attr"`
			R int    `xml:"r,attr"`
		} `xml:"S"`
	} `xml:"SegmentTimeline"`
}

// ParseDASH expands the segments of one representation. An empty id selects the
// highest bandwidth representation of the first period.
func ParseDASH(body io.Reader, manifestURL, representationID string) (*Snapshot, error) {
	var doc mpdDocument
	if err := xml.NewDecoder(body).Decode(&doc); err != nil {
		return nil, retry.Fatal(fmt.Errorf("error parsing mpd: %w", err))
	}
	if len(doc.Periods) == 0 {
		return nil, retry.Fatal(errors.New("mpd has no periods"))
	}
	period := doc.Periods[len(doc.Periods)-1]
	var (
		chosen *mpdRepresentation
		set    *mpdAdaptationSet
	)
	for i := range period.AdaptationSets {
		as := &period.AdaptationSets[i]
		for j := range as.Representations {
			r := &as.Representations[j]
			if representationID != "" {
				if r.ID == representationID {
					chosen, set = r, as
				}
				continue
			}
			if chosen == nil || r.Bandwidth > chosen.Bandwidth {
				chosen, set = r, as
			}
		}
	}
	if chosen == nil {
		return nil, retry.Fatal(fmt.Errorf("representation %q not found in mpd", representationID))
	}

	base := manifestURL
	for _, b := range []string{doc.BaseURL, period.BaseURL, set.BaseURL, chosen.BaseURL} {
		if b = strings.TrimSpace(b); b != "" {
			u, err := resolveURL(base, b)
			if err != nil {
				return nil, retry.Fatal(err)
			}
			base = u
		}
	}

	snap := &Snapshot{Ended: doc.Type != "dynamic"}
	list := chosen.SegmentList
	if list == nil {
		list = set.SegmentList
	}
	tpl := chosen.SegmentTemplate
	if tpl == nil {
		tpl = set.SegmentTemplate
	}
	vars := strings.NewReplacer("$RepresentationID$", chosen.ID, "$Bandwidth$", strconv.Itoa(chosen.Bandwidth))

	switch {
	case list != nil:
		start := startNumber(list.StartNumber)
		if list.Initialization != nil && list.Initialization.SourceURL != "" {
			u, err := resolveURL(base, list.Initialization.SourceURL)
			if err != nil {
				return nil, retry.Fatal(err)
			}
			snap.Header = &utils.FragmentRef{URL: u}
		}
		for i, s := range list.SegmentURLs {
			u, err := resolveURL(base, s.Media)
			if err != nil {
				return nil, retry.Fatal(err)
			}
			snap.Fragments = append(snap.Fragments, utils.FragmentRef{Index: indexFor(start, start+i), URL: u})
		}
	case tpl != nil && tpl.Timeline != nil:
		start := startNumber(tpl.StartNumber)
		if tpl.Initialization != "" {
			u, err := resolveURL(base, vars.Replace(tpl.Initialization))
			if err != nil {
				return nil, retry.Fatal(err)
			}
			snap.Header = &utils.FragmentRef{URL: u}
		}
		number := start
		var t int64
		for _, s := range tpl.Timeline.S {
			if s.T != nil {
				t = *s.T
			}
			for range s.R + 1 {
				media := vars.Replace(tpl.Media)
				media = strings.ReplaceAll(media, "$Number$", strconv.Itoa(number))
				media = strings.ReplaceAll(media, "$Time$", strconv.FormatInt(t, 10))
				u, err := resolveURL(base, media)
				if err != nil {
					return nil, retry.Fatal(err)
				}
				snap.Fragments = append(snap.Fragments, utils.FragmentRef{Index: indexFor(start, number), URL: u})
				number++
				t += s.D
			}
		}
	default:
		return nil, retry.Fatal(errors.New("mpd representation has no segment list or timeline"))
	}
	return snap, nil
}

func startNumber(v *int) int {
	if v == nil {
		return 1
	}
	return *v
}

// indexFor keeps indices 1-based when the manifest numbers from zero.
func indexFor(start, number int) int {
	if start == 0 {
		return number + 1
	}
	return number
}

// DASHSnapshots adapts an MPD URL to a live poller snapshot function.
func DASHSnapshots(doer utils.HTTPDoer, manifestURL, representationID string, headers utils.Headers) SnapshotFunc {
	return func(ctx context.Context) (*Snapshot, error) {
		resp, err := utils.Get(ctx, doer, manifestURL, headers)
		if err != nil {
			return nil, fmt.Errorf("error fetching mpd: %w", err)
		}
		defer resp.Body.Close()
		return ParseDASH(resp.Body, manifestURL, representationID)
	}
}
