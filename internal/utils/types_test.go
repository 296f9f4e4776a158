package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestHeadersCaseInsensitive(t *testing.T) {
	var h Headers
	h = h.Set("User-Agent", "a")
	h = h.Set("Referer", "r")
	h = h.Set("user-agent", "b")

	require.Len(t, h, 2)
	assert.Equal(t, "b", h.Get("USER-AGENT"))
	assert.Equal(t, "User-Agent", h[0].Key)
	assert.True(t, h.Has("referer"))
	assert.False(t, h.Has("Origin"))
}

func TestHeadersSetDoesNotMutate(t *testing.T) {
	orig := Headers{{Key: "A", Value: "1"}}
	updated := orig.Set("a", "2")
	assert.Equal(t, "1", orig.Get("A"))
	assert.Equal(t, "2", updated.Get("A"))
}

func TestHeadersJSONKeepsOrder(t *testing.T) {
	var h Headers
	require.NoError(t, json.Unmarshal([]byte(`{"Z-Last":"1","A-First":"2","M-Mid":"3"}`), &h))
	require.Len(t, h, 3)
	assert.Equal(t, []string{"Z-Last", "A-First", "M-Mid"}, []string{h[0].Key, h[1].Key, h[2].Key})

	out, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, `{"Z-Last":"1","A-First":"2","M-Mid":"3"}`, string(out))
}

func TestHeadersYAMLKeepsOrder(t *testing.T) {
	var doc struct {
		Headers Headers `yaml:"headers"`
	}
	src := "headers:\n  Origin: https://example.com\n  Cookie: a=b\n"
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.Len(t, doc.Headers, 2)
	assert.Equal(t, "Origin", doc.Headers[0].Key)
	assert.Equal(t, "a=b", doc.Headers.Get("cookie"))
}

func TestFragmentResolve(t *testing.T) {
	tests := []struct {
		name string
		frag FragmentRef
		base string
		want string
	}{
		{"absolute url wins", FragmentRef{Index: 1, URL: "https://cdn/a.ts", Path: "b.ts"}, "https://x/", "https://cdn/a.ts"},
		{"relative path", FragmentRef{Index: 2, Path: "seg/2.ts"}, "https://host/video/master.m3u8", "https://host/video/seg/2.ts"},
		{"no base", FragmentRef{Index: 3, Path: "3.ts"}, "", "3.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.frag.Resolve(tt.base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := FragmentRef{Index: 4}.Resolve("https://host/")
	assert.Error(t, err)
}

func TestDescriptorCloneIsDeep(t *testing.T) {
	orig := &FormatDescriptor{
		Protocol:    ProtocolDASH,
		HTTPHeaders: Headers{{Key: "Referer", Value: "r"}},
		Fragments:   []FragmentRef{{Index: 1, Path: "a", Range: &ByteRange{Start: 0, End: 9}}},
		Heartbeat:   &HeartbeatInfo{URL: "https://hb", Interval: 30},
		Items:       []FormatDescriptor{{Protocol: ProtocolHTTP, URL: "https://a"}},
		Info:        map[string]any{"title": "x"},
	}
	c := orig.Clone()
	c.Fragments[0].Range.End = 99
	c.Heartbeat.Interval = 1
	c.HTTPHeaders[0].Value = "changed"
	c.Items[0].URL = "https://b"
	c.Info["title"] = "y"

	assert.Equal(t, int64(9), orig.Fragments[0].Range.End)
	assert.Equal(t, 30.0, orig.Heartbeat.Interval)
	assert.Equal(t, "r", orig.HTTPHeaders.Get("referer"))
	assert.Equal(t, "https://a", orig.Items[0].URL)
	assert.Equal(t, "x", orig.Info["title"])
}

func TestDescriptorValidate(t *testing.T) {
	assert.ErrorIs(t, (&FormatDescriptor{URL: "https://a"}).Validate(), ErrInvalidDescriptor)
	assert.ErrorIs(t, (&FormatDescriptor{Protocol: ProtocolSerial, URL: URLSerial}).Validate(), ErrInvalidDescriptor)
	assert.ErrorIs(t, (&FormatDescriptor{Protocol: ProtocolNiconicoDMC, URL: "https://a"}).Validate(), ErrInvalidDescriptor)
	assert.NoError(t, (&FormatDescriptor{Protocol: ProtocolHTTP, URL: "https://a"}).Validate())
	assert.NoError(t, (&FormatDescriptor{Protocol: ProtocolDASH, IsLive: true, ManifestURL: "https://a.mpd"}).Validate())
	assert.NoError(t, (&FormatDescriptor{Protocol: ProtocolDASH, ManifestURL: "https://a.mpd"}).Validate())
	assert.ErrorIs(t, (&FormatDescriptor{Protocol: ProtocolImageSeries, ManifestURL: "https://a.mpd"}).Validate(), ErrInvalidDescriptor)

	repeated := &FormatDescriptor{Protocol: ProtocolM3U8Native, Fragments: []FragmentRef{{Index: 1, Path: "a"}, {Index: 2, Path: "b"}, {Index: 1, Path: "c"}}}
	err := repeated.Validate()
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.Contains(t, err.Error(), "fragment index 1 appears twice")
	unordered := &FormatDescriptor{Protocol: ProtocolM3U8Native, Fragments: []FragmentRef{{Index: 2, Path: "b"}, {Index: 1, Path: "a"}}}
	assert.NoError(t, unordered.Validate())
	unnumbered := &FormatDescriptor{Protocol: ProtocolM3U8Native, Fragments: []FragmentRef{{Path: "a"}, {Path: "b"}}}
	assert.NoError(t, unnumbered.Validate())
}

func TestByteRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=10-19", ByteRange{Start: 10, End: 19}.Header())
	assert.Equal(t, int64(10), ByteRange{Start: 10, End: 19}.Len())
	assert.Equal(t, "bytes=5-", ByteRange{Start: 5, End: -1}.Header())
}

func TestParseRate(t *testing.T) {
	n, err := ParseRate("50K")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), n)
	n, err = ParseRate("1MiB")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), n)
	n, err = ParseRate("")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = ParseRate("fast")
	assert.Error(t, err)
}
