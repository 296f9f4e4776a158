package engine

import (
	"time"

	"github.com/tanq16/fragdl/internal/retry"
)

// Options are the user policies every downloader honours.
type Options struct {
	RateLimit int64
	// ThrottledRate restarts a transfer whose speed stays below it.
	ThrottledRate int64

	Retries           int
	FragmentRetries   int
	FileAccessRetries int
	ExtractorRetries  int
	RetrySleep        map[retry.Class]retry.SleepFunc

	Continue        bool
	Overwrite       bool
	NoPart          bool
	KeepPartial     bool
	SkipUnavailable bool

	Concurrency int
	// HTTPChunkSize is the range size for parallel single file downloads.
	HTTPChunkSize int64
	// MaxBuffered bounds fragments that are in flight or fetched but not yet
	// written. Fetching stops while the bound is reached.
	MaxBuffered int

	FFmpegPath     string
	PollInterval   time.Duration
	LiveFromStart  bool
	ReconnectDelay time.Duration
	// MaxReconnects bounds live session reconnects, unlimited when zero.
	MaxReconnects int
	S3Concurrency int
}

func DefaultOptions() Options {
	return Options{
		Retries:           10,
		FragmentRetries:   10,
		FileAccessRetries: 3,
		ExtractorRetries:  3,
		Continue:          true,
		Overwrite:         true,
		KeepPartial:       true,
		Concurrency:       1,
		FFmpegPath:        "ffmpeg",
		S3Concurrency:     5,
	}
}

func (o Options) normalized() Options {
	o.Concurrency = max(o.Concurrency, 1)
	if o.MaxBuffered < o.Concurrency {
		o.MaxBuffered = 2 * o.Concurrency
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	return o
}

// Policy returns the retry policy configured for class.
func (o Options) Policy(class retry.Class) retry.Policy {
	p := retry.Policy{Class: class, Sleep: o.RetrySleep[class]}
	switch class {
	case retry.ClassHTTP:
		p.Retries = o.Retries
	case retry.ClassFragment:
		p.Retries = o.FragmentRetries
	case retry.ClassFileAccess:
		p.Retries = o.FileAccessRetries
	case retry.ClassExtractor:
		p.Retries = o.ExtractorRetries
	}
	return p
}
