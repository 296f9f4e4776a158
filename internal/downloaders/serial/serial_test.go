package serial

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/utils"
)

// fakeConcat stands in for ffmpeg: it keeps a copy of the concat list and
// writes a marker into the output.
func fakeConcat(t *testing.T) (bin, listCopy string) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	bin = filepath.Join(dir, "ffmpeg")
	listCopy = filepath.Join(dir, "list.txt")
	script := `#!/bin/sh
prev=""
for a; do
  if [ "$prev" = "-i" ]; then cp "$a" '` + listCopy + `'; fi
  prev="$a"
done
for last; do :; done
printf 'joined' > "$last"
`
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))
	return bin, listCopy
}

func newEngine(bin string, item engine.DownloaderFunc) *engine.Engine {
	opts := engine.DefaultOptions()
	opts.FFmpegPath = bin
	return engine.New(opts, engine.Registry{
		utils.ProtocolSerial: &Downloader{},
		utils.ProtocolHTTP:   item,
	}, nil, nil)
}

func writeURL(_ context.Context, dctx *engine.DownloadContext) error {
	return os.WriteFile(dctx.Filename, []byte(dctx.Desc.URL), 0644)
}

func serialDesc() *utils.FormatDescriptor {
	return &utils.FormatDescriptor{
		URL:      utils.URLSerial,
		Protocol: utils.ProtocolSerial,
		Ext:      "mp4",
		Items: []utils.FormatDescriptor{
			{Protocol: utils.ProtocolHTTPS, URL: "https://cdn.test/part1.mp4"},
			{Protocol: utils.ProtocolHTTPS, URL: "https://cdn.test/part2.mp4"},
		},
	}
}

func TestSerialDownloadsThenConcatenates(t *testing.T) {
	bin, listCopy := fakeConcat(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "movie.mp4")

	_, err := newEngine(bin, writeURL).Download(context.Background(), out, serialDesc())
	require.NoError(t, err)

	data, _ := os.ReadFile(out)
	assert.Equal(t, "joined", string(data))
	list, err := os.ReadFile(listCopy)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(list)), "\n")
	assert.Equal(t, []string{
		"file '" + filepath.Join(dir, "movie.item01.mp4") + "'",
		"file '" + filepath.Join(dir, "movie.item02.mp4") + "'",
	}, lines)

	for _, p := range []string{"movie.item01.mp4", "movie.item02.mp4", "movie.mp4.concat.txt"} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestSerialReportsFailingItem(t *testing.T) {
	bin, _ := fakeConcat(t)
	out := filepath.Join(t.TempDir(), "movie.mp4")
	failSecond := func(ctx context.Context, dctx *engine.DownloadContext) error {
		if strings.HasSuffix(dctx.Desc.URL, "part2.mp4") {
			return errors.New("boom")
		}
		return writeURL(ctx, dctx)
	}
	_, err := newEngine(bin, failSecond).Download(context.Background(), out, serialDesc())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial item 2 of 2")
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestItemName(t *testing.T) {
	assert.Equal(t, "a/show.item01.mp4", ItemName("a/show.mp4", 1, "mp4"))
	assert.Equal(t, "show.item12.webm", ItemName("show.mp4", 12, "webm"))
	assert.Equal(t, "noext.item03", ItemName("noext", 3, ""))
}
