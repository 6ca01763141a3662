package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// stderrLimit caps how much of a child's stderr is retained for diagnostics.
const stderrLimit = 4096

// Process is a child process with piped stdin and stdout whose lifetime is
// bound to its owner. It is started by [StartProcess] and must be released
// with [Process.Close], which kills the child and reaps it. Close is safe to
// call more than once and from several goroutines.
type Process struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *tailBuffer

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Command describes a child process to launch.
type Command struct {
	Name string
	Args []string

	// Env holds extra KEY=value pairs appended to the parent environment.
	Env []string
}

// StartProcess launches c. The child is killed when ctx is cancelled. On
// failure no process is left running and the returned error is a
// [*TranscodeFailure] with ExitCode -1.
func StartProcess(ctx context.Context, c Command) (*Process, error) {
	name := c.Name
	cmd := exec.CommandContext(ctx, name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	// A plain pipe instead of StdoutPipe: Wait must not close the read side
	// while a reader still drains buffered output.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &TranscodeFailure{Op: "start " + name, ExitCode: -1, Err: err}
	}
	cmd.Stdout = pw

	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, &TranscodeFailure{Op: "start " + name, ExitCode: -1, Err: err}
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &TranscodeFailure{Op: "start " + name, ExitCode: -1, Err: err}
	}
	pw.Close()

	p := &Process{
		name:   name,
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Name returns the executable name the process was started with.
func (p *Process) Name() string { return p.name }

// Stdin returns the child's standard input. Closing it signals end of input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the child's standard output. It reaches EOF once the child
// exits and all buffered output has been read.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Done is closed when the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the child exits and returns its exit status as a
// [*TranscodeFailure], or nil for a clean exit.
func (p *Process) Wait() error {
	<-p.done
	return p.failure()
}

// Stderr returns the retained tail of the child's standard error.
func (p *Process) Stderr() string { return p.stderr.String() }

// Close kills the child if it is still running, reaps it and releases the
// pipes.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		select {
		case <-p.done:
		default:
			_ = p.cmd.Process.Kill()
			<-p.done
		}
		_ = p.stdout.Close()
	})
	return nil
}

func (p *Process) failure() error {
	if p.waitErr == nil {
		return nil
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &TranscodeFailure{
		Op:       p.name,
		ExitCode: code,
		Stderr:   p.Stderr(),
		Err:      p.waitErr,
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TranscodeFailure describes a transcoder or subprocess that could not start
// or exited abnormally.
type TranscodeFailure struct {
	// Op names the failed operation or executable.
	Op string

	// ExitCode is the child's exit status, or -1 if it never started or was
	// killed by a signal.
	ExitCode int

	// Stderr holds the tail of the child's diagnostic output.
	Stderr string

	Err error
}

// Error implements error.
func (f *TranscodeFailure) Error() string {
	msg := fmt.Sprintf("audio: %s failed (exit %d)", f.Op, f.ExitCode)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	if f.Stderr != "" {
		msg += ": " + lastLine(f.Stderr)
	}
	return msg
}

// Unwrap returns the underlying error.
func (f *TranscodeFailure) Unwrap() error { return f.Err }

func lastLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
