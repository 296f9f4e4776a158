package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/utils"
)

type Request struct {
	URL     string
	Range   *utils.ByteRange
	Headers utils.Headers
}

type Response struct {
	Body io.ReadCloser
	// Partial is true when the server honoured the requested range.
	Partial bool
	// Size of the body, -1 when unknown.
	Size int64
	// TotalSize of the whole resource when the server reported it, else -1.
	TotalSize int64
}

// Transport opens one attempt at reading a resource. Retrying is the caller's job.
type Transport interface {
	Open(ctx context.Context, req Request) (*Response, error)
}

type HTTP struct {
	client utils.HTTPDoer
}

func NewHTTP(client utils.HTTPDoer) *HTTP {
	return &HTTP{client: client}
}

func (t *HTTP) Open(ctx context.Context, r Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GET request: %w", err)
	}
	r.Headers.Apply(req)
	if r.Range != nil {
		req.Header.Set("Range", r.Range.Header())
	}
	req.Header.Set("Connection", "keep-alive")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error executing GET request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &utils.HTTPError{StatusCode: resp.StatusCode, URL: r.URL}
	}
	out := &Response{
		Body:      resp.Body,
		Partial:   resp.StatusCode == http.StatusPartialContent,
		Size:      resp.ContentLength,
		TotalSize: -1,
	}
	if out.Partial {
		out.TotalSize = totalFromContentRange(resp.Header.Get("Content-Range"))
	} else if resp.ContentLength >= 0 {
		out.TotalSize = resp.ContentLength
	}
	return out, nil
}

// "bytes 0-99/1234" -> 1234
func totalFromContentRange(v string) int64 {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// Mux routes s3:// URLs to an S3 transport and everything else to HTTP.
type Mux struct {
	HTTP Transport

	S3Profile string
	s3        Transport
	s3Err     error
	s3Once    sync.Once
	newS3     func(ctx context.Context, profile string) (Transport, error)
}

func NewMux(client utils.HTTPDoer, s3Profile string) *Mux {
	return &Mux{
		HTTP:      NewHTTP(client),
		S3Profile: s3Profile,
		newS3: func(ctx context.Context, profile string) (Transport, error) {
			return NewS3(ctx, profile)
		},
	}
}

func (m *Mux) Open(ctx context.Context, r Request) (*Response, error) {
	if IsS3(r.URL) {
		t, err := m.S3(ctx)
		if err != nil {
			return nil, err
		}
		return t.Open(ctx, r)
	}
	return m.HTTP.Open(ctx, r)
}

// S3 builds the S3 client on first use.
func (m *Mux) S3(ctx context.Context) (Transport, error) {
	m.s3Once.Do(func() {
		log.Debug().Str("op", "transport/mux").Msgf("Creating S3 client (profile %q)", m.S3Profile)
		m.s3, m.s3Err = m.newS3(ctx, m.S3Profile)
	})
	return m.s3, m.s3Err
}

func IsS3(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "s3"
}
