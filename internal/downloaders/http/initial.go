package fraghttp

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/transport"
	"github.com/tanq16/fragdl/internal/utils"
)

// Downloader handles plain http(s) and s3:// resources. A single connection
// resumes at byte level; with Concurrency > 1 a ranged resource is split into
// chunks that go through the fragment loop.
type Downloader struct{}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	if desc.URL == "" {
		return fmt.Errorf("%w: http download without url", utils.ErrInvalidDescriptor)
	}
	if transport.IsS3(desc.URL) {
		if handled, err := d.downloadS3(ctx, dctx); handled {
			return err
		}
	}
	opts := dctx.Options()
	client := dctx.Engine().Client()
	if opts.Concurrency > 1 && client != nil && dctx.Filename != utils.URLNone && !transport.IsS3(desc.URL) {
		size, err := probe(ctx, client, desc.URL, desc.HTTPHeaders)
		switch {
		case err != nil:
			dctx.Log.Debug().Err(err).Msg("Falling back to a single connection")
		case size > chunkSize(opts):
			return d.parallel(ctx, dctx, size)
		}
	}
	return d.simple(ctx, dctx)
}

func head(ctx context.Context, client utils.HTTPDoer, link string, headers utils.Headers) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	headers.Apply(req)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error checking URL: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &utils.HTTPError{StatusCode: resp.StatusCode, URL: link}
	}
	return resp, nil
}

// probe returns the resource size when the server accepts byte ranges.
func probe(ctx context.Context, client utils.HTTPDoer, link string, headers utils.Headers) (int64, error) {
	resp, err := head(ctx, client, link, headers)
	if err != nil {
		return 0, err
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return 0, utils.ErrRangeRequestsNotSupported
	}
	if resp.ContentLength <= 0 {
		return 0, errors.New("server didn't provide a usable Content-Length header")
	}
	return resp.ContentLength, nil
}

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// SuggestFilename picks an output name from Content-Disposition, falling back
// to the last path segment of the URL.
func SuggestFilename(ctx context.Context, client utils.HTTPDoer, link string, headers utils.Headers) string {
	if resp, err := head(ctx, client, link, headers); err == nil {
		if name := dispositionFilename(resp.Header.Get("Content-Disposition")); name != "" {
			return name
		}
	}
	return filenameFromURL(link)
}

func dispositionFilename(v string) string {
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	if fn := params["filename"]; fn != "" {
		return filenameRegex.ReplaceAllString(fn, "_")
	}
	if fn, ok := strings.CutPrefix(params["filename*"], "UTF-8''"); ok {
		unescaped, _ := url.PathUnescape(fn)
		return filenameRegex.ReplaceAllString(unescaped, "_")
	}
	return ""
}

func filenameFromURL(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return filenameRegex.ReplaceAllString(name, "_")
}
