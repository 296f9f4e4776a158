package utils

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

type Protocol string

const (
	ProtocolHTTP        Protocol = "http"
	ProtocolHTTPS       Protocol = "https"
	ProtocolM3U8        Protocol = "m3u8"
	ProtocolM3U8Native  Protocol = "m3u8_native"
	ProtocolDASH        Protocol = "dash_frag_urls"
	ProtocolLiveFFmpeg  Protocol = "live_ffmpeg"
	ProtocolNiconicoDMC Protocol = "niconico_dmc"
	ProtocolWebsocket   Protocol = "websocket-fragment"
	ProtocolImageSeries Protocol = "image_series"
	ProtocolSerial      Protocol = "serial"
	ProtocolLiveSession Protocol = "live_session"
)

// Sentinel URL values that request special handling instead of a fetch.
const (
	URLSerial = "serial:"
	URLNone   = "-"
)

// ByteRange is an inclusive byte span. End < 0 means open ended.
type ByteRange struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
}

func (r ByteRange) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

func (r ByteRange) Len() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

// FragmentRef is one unit of download. Index is the stable ordering key.
type FragmentRef struct {
	Index    int        `json:"index" yaml:"index"`
	URL      string     `json:"url,omitempty" yaml:"url,omitempty"`
	Path     string     `json:"path,omitempty" yaml:"path,omitempty"`
	Range    *ByteRange `json:"range,omitempty" yaml:"range,omitempty"`
	Duration float64    `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Resolve returns the absolute URL of the fragment, joining Path onto base when no URL is set.
func (f FragmentRef) Resolve(base string) (string, error) {
	if f.URL != "" {
		return f.URL, nil
	}
	if f.Path == "" {
		return "", fmt.Errorf("fragment %d has neither url nor path", f.Index)
	}
	if base == "" {
		return f.Path, nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid fragment base url: %w", err)
	}
	ref, err := url.Parse(f.Path)
	if err != nil {
		return "", fmt.Errorf("invalid fragment path: %w", err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

type HeartbeatInfo struct {
	URL      string  `json:"url,omitempty" yaml:"url,omitempty"`
	Data     string  `json:"data,omitempty" yaml:"data,omitempty"`
	Interval float64 `json:"interval,omitempty" yaml:"interval,omitempty"`
}

type ServerRoute struct {
	Method  string  `json:"method,omitempty" yaml:"method,omitempty"`
	Route   string  `json:"route" yaml:"route"`
	Data    string  `json:"data" yaml:"data"`
	Status  int     `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Headers Headers `json:"headers,omitempty" yaml:"headers,omitempty"`
}

type LiveSessionInfo struct {
	WebsocketURL      string  `json:"ws_url" yaml:"ws_url"`
	Quality           string  `json:"live_quality,omitempty" yaml:"live_quality,omitempty"`
	Latency           string  `json:"live_latency,omitempty" yaml:"live_latency,omitempty"`
	HeartbeatMessage  string  `json:"heartbeat_message,omitempty" yaml:"heartbeat_message,omitempty"`
	HeartbeatInterval float64 `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
}

// FormatDescriptor is what an extractor hands to the engine. The engine only ever
// works on a Clone.
type FormatDescriptor struct {
	ID              string             `json:"format_id,omitempty" yaml:"format_id,omitempty"`
	URL             string             `json:"url" yaml:"url"`
	ManifestURL     string             `json:"manifest_url,omitempty" yaml:"manifest_url,omitempty"`
	Protocol        Protocol           `json:"protocol" yaml:"protocol"`
	Ext             string             `json:"ext,omitempty" yaml:"ext,omitempty"`
	HTTPHeaders     Headers            `json:"http_headers,omitempty" yaml:"http_headers,omitempty"`
	Fragments       []FragmentRef      `json:"fragments,omitempty" yaml:"fragments,omitempty"`
	FragmentBaseURL string             `json:"fragment_base_url,omitempty" yaml:"fragment_base_url,omitempty"`
	IsLive          bool               `json:"is_live,omitempty" yaml:"is_live,omitempty"`
	Filesize        int64              `json:"filesize,omitempty" yaml:"filesize,omitempty"`
	FilesizeApprox  int64              `json:"filesize_approx,omitempty" yaml:"filesize_approx,omitempty"`
	Duration        float64            `json:"duration,omitempty" yaml:"duration,omitempty"`
	FPS             float64            `json:"fps,omitempty" yaml:"fps,omitempty"`
	FrameCount      int                `json:"frame_count,omitempty" yaml:"frame_count,omitempty"`
	Heartbeat       *HeartbeatInfo     `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	ServerRoutes    []ServerRoute      `json:"http_server,omitempty" yaml:"http_server,omitempty"`
	LiveSession     *LiveSessionInfo   `json:"live_session,omitempty" yaml:"live_session,omitempty"`
	InnerProtocol   Protocol           `json:"inner_protocol,omitempty" yaml:"inner_protocol,omitempty"`
	Items           []FormatDescriptor `json:"items,omitempty" yaml:"items,omitempty"`
	FFmpegArgs      []string           `json:"ffmpeg_args,omitempty" yaml:"ffmpeg_args,omitempty"`
	Info            map[string]any     `json:"info,omitempty" yaml:"info,omitempty"`
}

var ErrInvalidDescriptor = errors.New("invalid format descriptor")

func (d *FormatDescriptor) Validate() error {
	if d.Protocol == "" {
		return fmt.Errorf("%w: missing protocol", ErrInvalidDescriptor)
	}
	if err := checkFragmentIndices(d.Fragments); err != nil {
		return err
	}
	switch d.Protocol {
	case ProtocolSerial:
		if len(d.Items) == 0 {
			return fmt.Errorf("%w: serial format without items", ErrInvalidDescriptor)
		}
		for i := range d.Items {
			if err := d.Items[i].Validate(); err != nil {
				return fmt.Errorf("item %d: %w", i+1, err)
			}
		}
	case ProtocolLiveSession:
		if d.LiveSession == nil || d.LiveSession.WebsocketURL == "" {
			return fmt.Errorf("%w: live session without websocket url", ErrInvalidDescriptor)
		}
	case ProtocolNiconicoDMC:
		if d.Heartbeat == nil {
			return fmt.Errorf("%w: session protocol without heartbeat", ErrInvalidDescriptor)
		}
	case ProtocolDASH:
		if len(d.Fragments) == 0 && d.ManifestURL == "" {
			return fmt.Errorf("%w: %s without fragments or manifest", ErrInvalidDescriptor, d.Protocol)
		}
	case ProtocolImageSeries:
		if len(d.Fragments) == 0 {
			return fmt.Errorf("%w: %s without fragments", ErrInvalidDescriptor, d.Protocol)
		}
	default:
		if d.URL == "" && d.ManifestURL == "" && len(d.Fragments) == 0 {
			return fmt.Errorf("%w: no url", ErrInvalidDescriptor)
		}
	}
	return nil
}

// checkFragmentIndices rejects a numbered list that repeats an index. A list
// without any index is numbered by position later.
func checkFragmentIndices(frags []FragmentRef) error {
	if !slices.ContainsFunc(frags, func(f FragmentRef) bool { return f.Index != 0 }) {
		return nil
	}
	seen := make(map[int]bool, len(frags))
	for _, f := range frags {
		if seen[f.Index] {
			return fmt.Errorf("%w: fragment index %d appears twice", ErrInvalidDescriptor, f.Index)
		}
		seen[f.Index] = true
	}
	return nil
}

// Clone returns a deep copy so derived fields never leak into the caller's value.
func (d *FormatDescriptor) Clone() *FormatDescriptor {
	c := *d
	c.HTTPHeaders = d.HTTPHeaders.Clone()
	c.Fragments = slices.Clone(d.Fragments)
	for i, f := range c.Fragments {
		if f.Range != nil {
			r := *f.Range
			c.Fragments[i].Range = &r
		}
	}
	if d.Heartbeat != nil {
		h := *d.Heartbeat
		c.Heartbeat = &h
	}
	if d.LiveSession != nil {
		l := *d.LiveSession
		c.LiveSession = &l
	}
	c.ServerRoutes = slices.Clone(d.ServerRoutes)
	for i := range c.ServerRoutes {
		c.ServerRoutes[i].Headers = d.ServerRoutes[i].Headers.Clone()
	}
	if d.Items != nil {
		c.Items = make([]FormatDescriptor, len(d.Items))
		for i := range d.Items {
			c.Items[i] = *d.Items[i].Clone()
		}
	}
	c.FFmpegArgs = slices.Clone(d.FFmpegArgs)
	c.Info = maps.Clone(d.Info)
	return &c
}

// ExpectedSize returns the exact size when known, else the approximate one, else 0.
func (d *FormatDescriptor) ExpectedSize() int64 {
	if d.Filesize > 0 {
		return d.Filesize
	}
	return d.FilesizeApprox
}

func (d *FormatDescriptor) String() string {
	var b strings.Builder
	b.WriteString(string(d.Protocol))
	if d.ID != "" {
		b.WriteString(":" + d.ID)
	}
	if len(d.Fragments) > 0 {
		fmt.Fprintf(&b, " (%d fragments)", len(d.Fragments))
	}
	if d.IsLive {
		b.WriteString(" [live]")
	}
	return b.String()
}
