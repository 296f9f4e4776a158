package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fragdl/internal/utils"
)

func TestFormatForURL(t *testing.T) {
	tests := []struct {
		link     string
		want     utils.Protocol
		manifest bool
	}{
		{"https://example.com/file.zip", utils.ProtocolHTTP, false},
		{"https://example.com/live/index.m3u8?token=abc", utils.ProtocolM3U8Native, true},
		{"https://example.com/vod/stream.MPD", utils.ProtocolDASH, true},
		{"wss://example.com/socket", utils.ProtocolWebsocket, false},
		{"s3://bucket/key.bin", utils.ProtocolHTTP, false},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			format := formatForURL(tt.link, "")
			assert.Equal(t, tt.want, format.Protocol)
			assert.Equal(t, tt.link, format.URL)
			if tt.manifest {
				assert.Equal(t, tt.link, format.ManifestURL)
			} else {
				assert.Empty(t, format.ManifestURL)
			}
		})
	}

	forced := formatForURL("https://example.com/index.m3u8", utils.ProtocolM3U8)
	assert.Equal(t, utils.ProtocolM3U8, forced.Protocol)
	assert.Empty(t, forced.ManifestURL)
}

func TestNormalizeProtocol(t *testing.T) {
	proto, ok := normalizeProtocol("HLS")
	assert.True(t, ok)
	assert.Equal(t, utils.ProtocolM3U8Native, proto)

	proto, ok = normalizeProtocol("info")
	assert.True(t, ok)
	assert.Empty(t, proto)

	_, ok = normalizeProtocol("youtube")
	assert.False(t, ok)
}

func TestBuildJobsFromBatch(t *testing.T) {
	dir := t.TempDir()
	descriptor := filepath.Join(dir, "format.yaml")
	require.NoError(t, os.WriteFile(descriptor, []byte(`
url: https://example.com/a.mp4
protocol: http
info:
  filename: from-info.mp4
`), 0644))

	jobs := buildJobsFromBatch(BatchFile{
		"dash":    {{OutputPath: "vod.mp4", Link: "https://example.com/vod.mpd"}, {Link: ""}},
		"info":    {{Link: descriptor}, {Link: filepath.Join(dir, "missing.json")}},
		"unknown": {{Link: "https://example.com/x"}},
	})
	require.Len(t, jobs, 2)

	byOutput := map[string]utils.Protocol{}
	for _, job := range jobs {
		byOutput[job.Output] = job.Format.Protocol
		assert.NotEmpty(t, job.ID)
	}
	assert.Equal(t, utils.ProtocolDASH, byOutput["vod.mp4"])
	assert.Equal(t, utils.ProtocolHTTP, byOutput["from-info.mp4"])
}

func TestReadDescriptorJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "format.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"url": "https://example.com/stream.m3u8",
		"manifest_url": "https://example.com/stream.m3u8",
		"protocol": "m3u8_native",
		"http_headers": {"Referer": "https://example.com/"}
	}`), 0644))

	format, err := readDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, utils.ProtocolM3U8Native, format.Protocol)
	assert.Equal(t, "https://example.com/", format.HTTPHeaders.Get("Referer"))
	assert.Empty(t, outputFromInfo(format))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"url": "https://example.com/x", "protocol": "dash_frag_urls"}`), 0644))
	_, err = readDescriptor(bad)
	assert.Error(t, err)
}

func TestDefaultOutputForStreams(t *testing.T) {
	format := formatForURL("https://example.com/live/index.m3u8?x=1", "")
	assert.Equal(t, "index.mp4", defaultOutput(t.Context(), "https://example.com/live/index.m3u8?x=1", format))

	format = formatForURL("wss://example.com/", "")
	format.Ext = "ts"
	assert.Equal(t, "stream.ts", defaultOutput(t.Context(), "wss://example.com/", format))
}
