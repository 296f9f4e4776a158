package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

// Sink receives fragment bytes strictly in order.
type Sink interface {
	Append(p []byte) error
	// Offset is the number of bytes the sink holds, including resumed ones.
	Offset() int64
	// Finalize completes the output on success.
	Finalize() error
	// Abort releases the sink after a failure or cancellation, keeping any
	// partial output for a later resume.
	Abort() error
}

// TempName returns where bytes are written before the final rename. It is the
// final name itself for stdout, nopart, or destinations that are not regular files.
func TempName(filename string, nopart bool) string {
	if nopart || filename == utils.URLNone {
		return filename
	}
	if info, err := os.Stat(filename); err == nil && !info.Mode().IsRegular() {
		return filename
	}
	return filename + utils.PartSuffix
}

type FileOptions struct {
	Resume  bool
	Retries int
	Sleep   retry.SleepFunc
}

type FileSink struct {
	filename string
	tmpname  string
	f        *os.File
	offset   int64
	opts     FileOptions
	mu       sync.Mutex
}

// OpenFile opens tmpname for append when resuming, otherwise truncates it.
// Transient EACCES/EINVAL errors are retried under the file_access class.
func OpenFile(ctx context.Context, filename, tmpname string, opts FileOptions) (*FileSink, error) {
	if dir := filepath.Dir(tmpname); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating output directory: %w", err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY
	if !opts.Resume {
		flags |= os.O_TRUNC
	}
	s := &FileSink{filename: filename, tmpname: tmpname, opts: opts}
	err := fileRetry(opts).Do(ctx, func(context.Context, *retry.State) error {
		f, err := os.OpenFile(tmpname, flags, 0644)
		if err != nil {
			return err
		}
		s.f = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tmpname, err)
	}
	if opts.Resume {
		off, err := s.f.Seek(0, io.SeekEnd)
		if err != nil {
			s.f.Close()
			return nil, fmt.Errorf("seek %s: %w", tmpname, err)
		}
		s.offset = off
	}
	return s, nil
}

func fileRetry(opts FileOptions) *retry.Manager {
	m := retry.New(retry.Policy{Class: retry.ClassFileAccess, Retries: opts.Retries, Sleep: opts.Sleep})
	m.Warn = func(err error, attempt, retries int) {
		log.Warn().Str("op", "sink/file").Err(err).Msgf("Unable to access file, retrying (%d/%d)", attempt, retries)
	}
	return m
}

func (s *FileSink) Append(p []byte) error {
	n, err := s.f.Write(p)
	s.mu.Lock()
	s.offset += int64(n)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", s.tmpname, err)
	}
	return nil
}

// WriteAt lets parallel writers such as the S3 manager fill the file out of order.
func (s *FileSink) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(p, off)
	s.mu.Lock()
	s.offset = max(s.offset, off+int64(n))
	s.mu.Unlock()
	return n, err
}

func (s *FileSink) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *FileSink) TempName() string {
	return s.tmpname
}

// Truncate drops everything past offset so appends continue from a known boundary.
func (s *FileSink) Truncate(offset int64) error {
	if err := s.f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate %s: %w", s.tmpname, err)
	}
	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", s.tmpname, err)
	}
	s.offset = offset
	return nil
}

func (s *FileSink) Sync() error {
	return s.f.Sync()
}

// Finalize renames the temp file over the destination. os.Rename replaces an
// existing destination atomically on every supported platform.
func (s *FileSink) Finalize() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("sync %s: %w", s.tmpname, err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.tmpname, err)
	}
	if s.tmpname == s.filename {
		return nil
	}
	err := fileRetry(s.opts).Do(context.Background(), func(context.Context, *retry.State) error {
		return os.Rename(s.tmpname, s.filename)
	})
	if err != nil {
		return fmt.Errorf("error renaming (finalizing) output file: %w", err)
	}
	return nil
}

func (s *FileSink) Abort() error {
	err := s.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Discard closes and removes the temp file.
func (s *FileSink) Discard() error {
	s.Abort()
	if err := os.Remove(s.tmpname); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriterSink streams into an arbitrary writer such as stdout. It cannot resume.
type WriterSink struct {
	w      io.Writer
	offset int64
}

func NewWriter(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Append(p []byte) error {
	n, err := s.w.Write(p)
	s.offset += int64(n)
	return err
}

func (s *WriterSink) Offset() int64   { return s.offset }
func (s *WriterSink) Finalize() error { return nil }
func (s *WriterSink) Abort() error    { return nil }
