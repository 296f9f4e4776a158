package fragments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

var ErrMasterPlaylist = errors.New("master playlist")

// HLSPlaylist is a decoded media playlist. Fragment indices follow the media
// sequence (first segment of sequence 0 is index 1); the init segment is index 0.
type HLSPlaylist struct {
	Fragments  []utils.FragmentRef
	Init       *utils.FragmentRef
	Ended      bool
	Encrypted  bool
	VariantURL string
}

// ParseHLS decodes body against manifestURL. For a master playlist it returns
// ErrMasterPlaylist with VariantURL set to the highest bandwidth variant.
func ParseHLS(body io.Reader, manifestURL string) (*HLSPlaylist, error) {
	playlist, listType, err := m3u8.DecodeFrom(body, false)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("error parsing m3u8: %w", err))
	}
	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best == nil {
			return nil, retry.Fatal(errors.New("master playlist has no variants"))
		}
		variant, err := resolveURL(manifestURL, best.URI)
		if err != nil {
			return nil, retry.Fatal(err)
		}
		return &HLSPlaylist{VariantURL: variant}, ErrMasterPlaylist
	case m3u8.MEDIA:
		return fromMedia(playlist.(*m3u8.MediaPlaylist), manifestURL)
	}
	return nil, retry.Fatal(errors.New("unknown playlist type"))
}

func fromMedia(media *m3u8.MediaPlaylist, manifestURL string) (*HLSPlaylist, error) {
	out := &HLSPlaylist{Ended: media.Closed}
	if encrypted(media.Key) {
		out.Encrypted = true
	}
	initMap := media.Map
	var prevURI string
	var prevEnd int64
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}
		if encrypted(seg.Key) {
			out.Encrypted = true
		}
		if initMap == nil && seg.Map != nil {
			initMap = seg.Map
		}
		u, err := resolveURL(manifestURL, seg.URI)
		if err != nil {
			return nil, retry.Fatal(err)
		}
		frag := utils.FragmentRef{
			Index:    int(media.SeqNo) + i + 1,
			URL:      u,
			Duration: seg.Duration,
		}
		if seg.Limit > 0 {
			start := seg.Offset
			if start == 0 && seg.URI == prevURI {
				start = prevEnd
			}
			frag.Range = &utils.ByteRange{Start: start, End: start + seg.Limit - 1}
			prevEnd = start + seg.Limit
		}
		prevURI = seg.URI
		out.Fragments = append(out.Fragments, frag)
	}
	if initMap != nil && initMap.URI != "" {
		u, err := resolveURL(manifestURL, initMap.URI)
		if err != nil {
			return nil, retry.Fatal(err)
		}
		out.Init = &utils.FragmentRef{Index: 0, URL: u}
		if initMap.Limit > 0 {
			out.Init.Range = &utils.ByteRange{Start: initMap.Offset, End: initMap.Offset + initMap.Limit - 1}
		}
	}
	return out, nil
}

// All returns the init segment (if any) followed by the media fragments.
func (p *HLSPlaylist) All() []utils.FragmentRef {
	if p.Init == nil {
		return p.Fragments
	}
	return append([]utils.FragmentRef{*p.Init}, p.Fragments...)
}

func encrypted(k *m3u8.Key) bool {
	return k != nil && k.Method != "" && !strings.EqualFold(k.Method, "NONE")
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid manifest url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid playlist entry %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// FetchHLS downloads and parses a playlist, following one level of master playlist.
func FetchHLS(ctx context.Context, doer utils.HTTPDoer, manifestURL string, headers utils.Headers) (*HLSPlaylist, error) {
	for range 2 {
		resp, err := utils.Get(ctx, doer, manifestURL, headers)
		if err != nil {
			return nil, fmt.Errorf("error fetching playlist: %w", err)
		}
		p, err := ParseHLS(resp.Body, manifestURL)
		resp.Body.Close()
		if errors.Is(err, ErrMasterPlaylist) {
			manifestURL = p.VariantURL
			continue
		}
		return p, err
	}
	return nil, retry.Fatal(errors.New("nested master playlists are not supported"))
}

// HLSSnapshots adapts a media playlist URL to a live poller snapshot function.
func HLSSnapshots(doer utils.HTTPDoer, manifestURL string, headers utils.Headers) SnapshotFunc {
	return func(ctx context.Context) (*Snapshot, error) {
		p, err := FetchHLS(ctx, doer, manifestURL, headers)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Fragments: p.Fragments, Header: p.Init, Ended: p.Ended}, nil
	}
}
