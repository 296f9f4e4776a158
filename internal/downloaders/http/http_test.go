package fraghttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/transport"
	"github.com/tanq16/fragdl/internal/utils"
)

func payload(n int) []byte {
	var b bytes.Buffer
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "%06d|", i)
	}
	return b.Bytes()[:n]
}

type requestLog struct {
	mu     sync.Mutex
	ranges []string
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.Method == http.MethodGet {
		l.ranges = append(l.ranges, r.Header.Get("Range"))
	}
}

func (l *requestLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ranges...)
}

// rangedServer serves data with full Range support.
func rangedServer(t *testing.T, data []byte) (*httptest.Server, *requestLog) {
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		http.ServeContent(w, r, "video.mp4", time.Unix(0, 0), bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func testOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.RetrySleep = map[retry.Class]retry.SleepFunc{
		retry.ClassHTTP:       retry.Constant(0),
		retry.ClassFragment:   retry.Constant(0),
		retry.ClassFileAccess: retry.Constant(0),
	}
	return opts
}

func newEngine(opts engine.Options, tr transport.Transport, client utils.HTTPDoer) *engine.Engine {
	return engine.New(opts, engine.Registry{utils.ProtocolHTTP: &Downloader{}}, tr, client)
}

func desc(url string) *utils.FormatDescriptor {
	return &utils.FormatDescriptor{Protocol: utils.ProtocolHTTPS, URL: url, Ext: "mp4"}
}

func TestSimpleDownload(t *testing.T) {
	data := payload(100_000)
	srv, log := rangedServer(t, data)
	out := filepath.Join(t.TempDir(), "video.mp4")

	res, err := newEngine(testOptions(), transport.NewHTTP(srv.Client()), srv.Client()).Download(context.Background(), out, desc(srv.URL+"/video.mp4"))
	require.NoError(t, err)
	got, _ := os.ReadFile(out)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Equal(t, []string{""}, log.get())
}

func TestSimpleDownloadResumesPartFile(t *testing.T) {
	data := payload(50_000)
	srv, log := rangedServer(t, data)
	out := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(out+".part", data[:12_345], 0644))

	_, err := newEngine(testOptions(), transport.NewHTTP(srv.Client()), srv.Client()).Download(context.Background(), out, desc(srv.URL))
	require.NoError(t, err)
	got, _ := os.ReadFile(out)
	assert.Equal(t, data, got)
	assert.Equal(t, []string{"bytes=12345-"}, log.get())
}

func TestSimpleDownloadRestartsWithoutRangeSupport(t *testing.T) {
	data := payload(20_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()
	out := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(out+".part", []byte("garbage that is not a prefix"), 0644))

	_, err := newEngine(testOptions(), transport.NewHTTP(srv.Client()), srv.Client()).Download(context.Background(), out, desc(srv.URL))
	require.NoError(t, err)
	got, _ := os.ReadFile(out)
	assert.Equal(t, data, got)
}

func TestSimpleDownloadCompletePartFile(t *testing.T) {
	data := payload(4096)
	srv, _ := rangedServer(t, data)
	out := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(out+".part", data, 0644))

	res, err := newEngine(testOptions(), transport.NewHTTP(srv.Client()), srv.Client()).Download(context.Background(), out, desc(srv.URL))
	require.NoError(t, err)
	got, _ := os.ReadFile(out)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), res.Bytes)
}

// flakyTransport cuts the body short on the first attempt.
type flakyTransport struct {
	data   []byte
	ranges []*utils.ByteRange
}

type brokenBody struct {
	r io.Reader
}

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (f *flakyTransport) Open(_ context.Context, r transport.Request) (*transport.Response, error) {
	f.ranges = append(f.ranges, r.Range)
	if len(f.ranges) == 1 {
		return &transport.Response{
			Body:      io.NopCloser(&brokenBody{r: bytes.NewReader(f.data[:1000])}),
			Size:      int64(len(f.data)),
			TotalSize: int64(len(f.data)),
		}, nil
	}
	rest := f.data[r.Range.Start:]
	return &transport.Response{
		Body:      io.NopCloser(bytes.NewReader(rest)),
		Partial:   true,
		Size:      int64(len(rest)),
		TotalSize: int64(len(f.data)),
	}, nil
}

func TestSimpleDownloadRetriesFromOffset(t *testing.T) {
	data := payload(3000)
	tr := &flakyTransport{data: data}
	out := filepath.Join(t.TempDir(), "video.mp4")

	_, err := newEngine(testOptions(), tr, nil).Download(context.Background(), out, desc("https://cdn.test/video.mp4"))
	require.NoError(t, err)
	got, _ := os.ReadFile(out)
	assert.Equal(t, data, got)
	require.Len(t, tr.ranges, 2)
	assert.Nil(t, tr.ranges[0])
	assert.Equal(t, int64(1000), tr.ranges[1].Start)
}

func TestParallelChunks(t *testing.T) {
	data := payload(70_000)
	srv, log := rangedServer(t, data)
	opts := testOptions()
	opts.Concurrency = 4
	opts.HTTPChunkSize = 16_000
	out := filepath.Join(t.TempDir(), "video.mp4")

	_, err := newEngine(opts, transport.NewHTTP(srv.Client()), srv.Client()).Download(context.Background(), out, desc(srv.URL))
	require.NoError(t, err)
	got, _ := os.ReadFile(out)
	assert.Equal(t, data, got)
	assert.ElementsMatch(t, []string{
		"bytes=0-15999", "bytes=16000-31999", "bytes=32000-47999", "bytes=48000-63999", "bytes=64000-69999",
	}, log.get())
}

func TestChunkFragments(t *testing.T) {
	frags := chunkFragments("u", 10, 4)
	require.Len(t, frags, 3)
	assert.Equal(t, utils.ByteRange{Start: 0, End: 3}, *frags[0].Range)
	assert.Equal(t, utils.ByteRange{Start: 8, End: 9}, *frags[2].Range)
	assert.Equal(t, 3, frags[2].Index)
	assert.Empty(t, chunkFragments("u", 0, 4))
}

func TestSuggestFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/named") {
			w.Header().Set("Content-Disposition", `attachment; filename="my video?.mp4"`)
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	assert.Equal(t, "my video_.mp4", SuggestFilename(ctx, srv.Client(), srv.URL+"/named", nil))
	assert.Equal(t, "clip.webm", SuggestFilename(ctx, srv.Client(), srv.URL+"/media/clip.webm", nil))
	assert.Equal(t, "download", SuggestFilename(ctx, srv.Client(), srv.URL+"/", nil))
}

type fakeObjects struct {
	data []byte
}

func (f *fakeObjects) Open(context.Context, transport.Request) (*transport.Response, error) {
	return nil, fmt.Errorf("unexpected ranged open")
}

func (f *fakeObjects) DownloadTo(_ context.Context, _ string, w io.WriterAt, _ int) (int64, error) {
	// written back to front like a parallel downloader may do
	half := len(f.data) / 2
	if _, err := w.WriteAt(f.data[half:], int64(half)); err != nil {
		return 0, err
	}
	if _, err := w.WriteAt(f.data[:half], 0); err != nil {
		return 0, err
	}
	return int64(len(f.data)), nil
}

type fakeS3Mux struct {
	objects *fakeObjects
}

func (m *fakeS3Mux) Open(context.Context, transport.Request) (*transport.Response, error) {
	return nil, fmt.Errorf("unexpected open")
}

func (m *fakeS3Mux) S3(context.Context) (transport.Transport, error) {
	return m.objects, nil
}

func TestS3WholeObject(t *testing.T) {
	data := payload(9999)
	out := filepath.Join(t.TempDir(), "object.bin")
	mux := &fakeS3Mux{objects: &fakeObjects{data: data}}

	res, err := newEngine(testOptions(), mux, nil).Download(context.Background(), out, desc("s3://bucket/key/object.bin"))
	require.NoError(t, err)
	got, _ := os.ReadFile(out)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), res.Bytes)
}
