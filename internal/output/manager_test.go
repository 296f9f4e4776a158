package output

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fragdl/internal/engine"
)

func quietManager() (*Manager, *bytes.Buffer) {
	var buf bytes.Buffer
	m := NewManager()
	m.out = &buf
	m.interactive = false
	return m, &buf
}

func TestHookTracksProgress(t *testing.T) {
	m, _ := quietManager()
	id := m.RegisterFunction("show.mp4")
	hook := m.Hook(id)

	hook(engine.Progress{Status: engine.StatusDownloading, DownloadedBytes: 500, TotalBytes: 1000, Speed: 100, ETA: 5 * time.Second, FragmentIndex: 3, FragmentCount: 6})
	info := m.outputs[id]
	require.Len(t, info.StreamLines, 1)
	assert.Contains(t, info.StreamLines[0], "frag 3/6")
	assert.Contains(t, info.StreamLines[0], "50.0%")

	assert.Equal(t, "pending", m.GetStatus(id))

	hook(engine.Progress{Status: engine.StatusProcessing, DownloadedBytes: 1000, Elapsed: 12 * time.Second})
	require.Len(t, info.StreamLines, 1)
	assert.Contains(t, info.StreamLines[0], "00:12, post-processing")
	assert.Equal(t, "Processing show.mp4", info.Message)
}

func TestProgressText(t *testing.T) {
	text := ProgressText(engine.Progress{DownloadedBytes: 2000, TotalBytesEstimate: 8000, ETA: -1, FragmentIndex: 4})
	assert.Contains(t, text, "of ~")
	assert.Contains(t, text, "frag 4")
	assert.NotContains(t, text, "ETA")
}

func TestSummaryCounts(t *testing.T) {
	m, buf := quietManager()
	ok := m.RegisterFunction("a.mp4")
	gap := m.RegisterFunction("b.mp4")
	bad := m.RegisterFunction("c.mp4")
	m.Complete(ok, "")
	m.Warn(gap, "b.mp4 has 2 missing fragments")
	m.ReportError(bad, errors.New("boom"))
	assert.Equal(t, "success", m.GetStatus(ok))
	assert.Equal(t, "unknown", m.GetStatus(99))

	success, warnings, failures := m.Counts()
	assert.Equal(t, []int{1, 1, 1}, []int{success, warnings, failures})

	m.StartDisplay()
	m.StopDisplay()
	out := buf.String()
	assert.Contains(t, out, "Completed a.mp4")
	assert.Contains(t, out, "Completed 2 of 3")
	assert.Contains(t, out, "Incomplete 1 of 3")
	assert.Contains(t, out, "Failed 1 of 3")
	assert.Contains(t, out, "boom")
}

func TestProgressBar(t *testing.T) {
	assert.Contains(t, ProgressBar(250, 1000, 10), "25.0%")
	assert.Contains(t, ProgressBar(5000, 1000, 10), "100.0%")
	assert.Contains(t, ProgressBar(3<<20, 0, 10), "live")
}
