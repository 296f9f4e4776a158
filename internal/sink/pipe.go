package sink

import (
	"bufio"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// Process is an external consumer fed through its standard input.
type Process interface {
	Stdin() io.WriteCloser
	Wait() error
	Kill() error
}

// PipeSink writes into a subprocess. There is no temp file and no resume.
type PipeSink struct {
	proc   Process
	w      *bufio.Writer
	offset int64
	done   bool
}

func NewPipe(proc Process) *PipeSink {
	return &PipeSink{proc: proc, w: bufio.NewWriterSize(proc.Stdin(), 256*1024)}
}

func (s *PipeSink) Append(p []byte) error {
	n, err := s.w.Write(p)
	s.offset += int64(n)
	if err != nil {
		return fmt.Errorf("write to encoder: %w", err)
	}
	return nil
}

func (s *PipeSink) Offset() int64 {
	return s.offset
}

// Finalize signals end of input and waits for the process to exit cleanly.
func (s *PipeSink) Finalize() error {
	if err := s.shutdown(); err != nil {
		return err
	}
	return nil
}

// Abort also closes rather than kills, so the consumer can still write a
// playable trailer. Kill is used only when the close itself fails.
func (s *PipeSink) Abort() error {
	return s.shutdown()
}

func (s *PipeSink) shutdown() error {
	if s.done {
		return nil
	}
	s.done = true
	closeErr := s.w.Flush()
	if err := s.proc.Stdin().Close(); closeErr == nil {
		closeErr = err
	}
	if closeErr != nil {
		log.Warn().Str("op", "sink/pipe").Err(closeErr).Msg("Closing encoder input failed, killing process")
		if err := s.proc.Kill(); err != nil {
			log.Debug().Str("op", "sink/pipe").Err(err).Msg("Kill failed")
		}
		s.proc.Wait()
		return fmt.Errorf("close encoder input: %w", closeErr)
	}
	if err := s.proc.Wait(); err != nil {
		return fmt.Errorf("encoder exited with error: %w", err)
	}
	return nil
}
