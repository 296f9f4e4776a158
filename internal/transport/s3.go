package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3 struct {
	client S3API
	full   *s3.Client
}

func NewS3(ctx context.Context, profile string) (*S3, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3{client: client, full: client}, nil
}

// NewS3WithAPI is used when the caller already owns a client.
func NewS3WithAPI(api S3API) *S3 {
	return &S3{client: api}
}

func ParseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url: %w", err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url %q has no key", rawURL)
	}
	return u.Host, key, nil
}

func (t *S3) Open(ctx context.Context, r Request) (*Response, error) {
	bucket, key, err := ParseS3URL(r.URL)
	if err != nil {
		return nil, err
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if r.Range != nil {
		input.Range = aws.String(r.Range.Header())
	}
	out, err := t.client.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("error getting object: %w", err)
	}
	resp := &Response{Body: out.Body, Partial: r.Range != nil, Size: -1, TotalSize: -1}
	if out.ContentLength != nil {
		resp.Size = *out.ContentLength
	}
	if out.ContentRange != nil {
		resp.TotalSize = totalFromContentRange(*out.ContentRange)
	} else if r.Range == nil {
		resp.TotalSize = resp.Size
	}
	return resp, nil
}

// DownloadTo fetches a whole object with the parallel manager downloader.
func (t *S3) DownloadTo(ctx context.Context, rawURL string, w io.WriterAt, concurrency int) (int64, error) {
	if t.full == nil {
		return 0, fmt.Errorf("s3 parallel download needs a full client")
	}
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return 0, err
	}
	dl := manager.NewDownloader(t.full, func(d *manager.Downloader) {
		if concurrency > 0 {
			d.Concurrency = concurrency
		}
	})
	log.Debug().Str("op", "transport/s3").Msgf("Starting parallel object download for s3://%s/%s", bucket, key)
	n, err := dl.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return n, fmt.Errorf("error downloading object: %w", err)
	}
	return n, nil
}
