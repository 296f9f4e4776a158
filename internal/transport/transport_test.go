package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fragdl/internal/utils"
)

const payload = "0123456789abcdefghij"

func rangeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, strings.NewReader(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPOpenWholeAndRange(t *testing.T) {
	srv := rangeServer(t)
	tr := NewHTTP(srv.Client())

	resp, err := tr.Open(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, payload, string(body))
	assert.False(t, resp.Partial)
	assert.Equal(t, int64(len(payload)), resp.TotalSize)

	resp, err = tr.Open(context.Background(), Request{URL: srv.URL, Range: &utils.ByteRange{Start: 5, End: 9}})
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "56789", string(body))
	assert.True(t, resp.Partial)
	assert.Equal(t, int64(5), resp.Size)
	assert.Equal(t, int64(len(payload)), resp.TotalSize)
}

func TestHTTPOpenSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://example.com/", r.Header.Get("Referer"))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	resp, err := NewHTTP(srv.Client()).Open(context.Background(), Request{
		URL:     srv.URL,
		Headers: utils.Headers{{Key: "Referer", Value: "https://example.com/"}},
	})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestHTTPOpenStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := NewHTTP(srv.Client()).Open(context.Background(), Request{URL: srv.URL})
	var httpErr *utils.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 503, httpErr.StatusCode)
}

func TestTotalFromContentRange(t *testing.T) {
	assert.Equal(t, int64(1234), totalFromContentRange("bytes 0-99/1234"))
	assert.Equal(t, int64(-1), totalFromContentRange("bytes 0-99/*"))
	assert.Equal(t, int64(-1), totalFromContentRange(""))
}

type fakeS3 struct {
	inputs []*s3.GetObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.inputs = append(f.inputs, in)
	body := payload
	out := &s3.GetObjectOutput{}
	if in.Range != nil {
		body = payload[2:6]
		out.ContentRange = aws.String("bytes 2-5/20")
	}
	out.Body = io.NopCloser(strings.NewReader(body))
	out.ContentLength = aws.Int64(int64(len(body)))
	return out, nil
}

func TestS3Open(t *testing.T) {
	api := &fakeS3{}
	tr := NewS3WithAPI(api)

	resp, err := tr.Open(context.Background(), Request{URL: "s3://media-bucket/live/seg-1.ts", Range: &utils.ByteRange{Start: 2, End: 5}})
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "2345", string(body))
	assert.True(t, resp.Partial)
	assert.Equal(t, int64(20), resp.TotalSize)

	require.Len(t, api.inputs, 1)
	assert.Equal(t, "media-bucket", aws.ToString(api.inputs[0].Bucket))
	assert.Equal(t, "live/seg-1.ts", aws.ToString(api.inputs[0].Key))
	assert.Equal(t, "bytes=2-5", aws.ToString(api.inputs[0].Range))

	_, err = tr.DownloadTo(context.Background(), "s3://media-bucket/a", nil, 1)
	assert.Error(t, err)
}

func TestParseS3URL(t *testing.T) {
	b, k, err := ParseS3URL("s3://bucket/path/to/key.mp4")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "path/to/key.mp4", k)

	_, _, err = ParseS3URL("s3://bucket/")
	assert.Error(t, err)
	_, _, err = ParseS3URL("https://bucket/key")
	assert.Error(t, err)
}

func TestMuxRoutesByScheme(t *testing.T) {
	srv := rangeServer(t)
	api := &fakeS3{}
	m := NewMux(srv.Client(), "")
	created := 0
	m.newS3 = func(context.Context, string) (Transport, error) {
		created++
		return NewS3WithAPI(api), nil
	}

	resp, err := m.Open(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Zero(t, created)

	for range 2 {
		resp, err = m.Open(context.Background(), Request{URL: "s3://b/k"})
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, 1, created)
	assert.Len(t, api.inputs, 2)
}
