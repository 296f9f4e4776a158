package encoder

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBinary = "ffmpeg"
	// StdoutTarget as the output path streams the result to our standard output.
	StdoutTarget = "pipe:1"
)

// Process is a running encoder. Its standard input is always a pipe, used either
// for media bytes or for the interactive quit key.
type Process struct {
	cmd    *exec.Cmd
	args   []string
	stdin  io.WriteCloser
	done   chan struct{}
	err    error
	stderr syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Available reports whether bin can be found on PATH.
func Available(bin string) bool {
	if bin == "" {
		bin = DefaultBinary
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

// Start launches bin with args. The process is not tied to a context: callers
// stop it with Stop or by closing Stdin so the output gets a proper trailer.
func Start(bin string, args []string) (*Process, error) {
	if bin == "" {
		bin = DefaultBinary
	}
	cmd := exec.Command(bin, args...)
	p := &Process{cmd: cmd, args: args, done: make(chan struct{})}
	cmd.Stderr = &p.stderr
	if slices.Contains(args, StdoutTarget) {
		cmd.Stdout = os.Stdout
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: failed to create stdin pipe: %w", err)
	}
	p.stdin = stdin
	log.Debug().Str("op", "encoder/start").Msgf("%s %s", bin, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: failed to start: %w", err)
	}
	go func() {
		defer close(p.done)
		if err := cmd.Wait(); err != nil {
			p.err = &Error{Args: args, Stderr: p.stderr.String(), Err: err}
		}
	}()
	return p, nil
}

func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Stop asks ffmpeg to quit through its interactive "q" key so the container is
// finalized, then kills it if it has not exited within grace.
func (p *Process) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return p.err
	default:
	}
	if _, err := io.WriteString(p.stdin, "q"); err != nil {
		log.Debug().Str("op", "encoder/stop").Err(err).Msg("Could not send quit key")
	}
	p.stdin.Close()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.err
	case <-timer.C:
		log.Warn().Str("op", "encoder/stop").Msgf("ffmpeg did not quit within %s, killing", grace)
		p.Kill()
		<-p.done
		return p.err
	}
}

// Error carries the command line and captured stderr of a failed run.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	if tail := strings.Join(lines, "\n"); tail != "" {
		return fmt.Sprintf("ffmpeg: %v: %s", e.Err, tail)
	}
	return fmt.Sprintf("ffmpeg: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Command() string {
	return "ffmpeg " + strings.Join(e.Args, " ")
}
