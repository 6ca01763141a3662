package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrUnsupported is returned by a [Transcoder] that cannot perform the
// requested conversion. [Chain] uses it to fall through to the next
// implementation.
var ErrUnsupported = errors.New("audio: unsupported conversion")

// streamBuffer is the number of output chunks a [Stream] holds before the
// producer blocks.
const streamBuffer = 32

// Transcoder converts audio between formats.
//
// Implementations must be safe for concurrent use; every Transcode call owns
// its own conversion state (and, for subprocess implementations, its own
// child process).
type Transcoder interface {
	// Transcode converts the unbounded input stream in from one format to
	// another. Conversion runs until in returns EOF, ctx is cancelled or the
	// returned Stream is closed.
	Transcode(ctx context.Context, in io.Reader, from, to Format) (*Stream, error)

	// TranscodeBuffer converts a complete buffer.
	TranscodeBuffer(ctx context.Context, b []byte, from, to Format) ([]byte, error)
}

// Stream is the output side of a running conversion. Chunks are delivered on
// a bounded channel, so a slow consumer stalls the producer rather than
// growing memory.
type Stream struct {
	chunks chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	mu    sync.Mutex
	cause error
	err   error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		chunks: make(chan []byte, streamBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// NewPipeStream runs fn over every read from in and delivers the non-empty
// results on the returned Stream. It is the building block for in-process
// transcoders. Closing the Stream ends it promptly even while a read of in
// is blocked; that read's goroutine exits once in returns.
func NewPipeStream(ctx context.Context, in io.Reader, fn func([]byte) ([]byte, error)) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)

	type read struct {
		b   []byte
		err error
	}
	reads := make(chan read)
	go func() {
		for {
			buf := make([]byte, defaultReadSize)
			n, err := in.Read(buf)
			select {
			case reads <- read{b: buf[:n], err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		for {
			var r read
			select {
			case r = <-reads:
			case <-ctx.Done():
				s.finish(ctx.Err())
				return
			}
			if len(r.b) > 0 {
				out, err := fn(r.b)
				if err != nil {
					s.finish(err)
					return
				}
				if len(out) > 0 && !s.send(ctx, out) {
					s.finish(ctx.Err())
					return
				}
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					r.err = nil
				}
				s.finish(r.err)
				return
			}
		}
	}()
	return s, nil
}

// Chunks returns the converted audio. It is closed when the conversion ends
// for any reason; call [Stream.Wait] to learn why.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Done is closed when the conversion has ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Wait blocks until the conversion ends and returns nil on a clean end of
// input, or the failure (typically a [*TranscodeFailure]).
func (s *Stream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the conversion and waits for it to release its resources.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// CloseWithError stops the conversion and makes [Stream.Wait] report err.
func (s *Stream) CloseWithError(err error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = err
	}
	s.mu.Unlock()
	s.cancel()
}

// send delivers one chunk, giving up when ctx ends.
func (s *Stream) send(ctx context.Context, b []byte) bool {
	select {
	case s.chunks <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the terminal error and closes the stream. It must only be
// called once, by the producing goroutine.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.cause != nil {
		err = s.cause
	}
	s.err = err
	s.mu.Unlock()
	close(s.chunks)
	close(s.done)
	s.cancel()
}

// collect drains s into a single buffer.
func collect(s *Stream) ([]byte, error) {
	var out []byte
	for b := range s.Chunks() {
		out = append(out, b...)
	}
	return out, s.Wait()
}

// Chain returns a Transcoder that tries each of ts in order, moving to the
// next one only when a transcoder reports [ErrUnsupported].
func Chain(ts ...Transcoder) Transcoder {
	return chain(ts)
}

type chain []Transcoder

func (c chain) Transcode(ctx context.Context, in io.Reader, from, to Format) (*Stream, error) {
	for _, t := range c {
		s, err := t.Transcode(ctx, in, from, to)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		return s, err
	}
	return nil, ErrUnsupported
}

func (c chain) TranscodeBuffer(ctx context.Context, b []byte, from, to Format) ([]byte, error) {
	for _, t := range c {
		out, err := t.TranscodeBuffer(ctx, b, from, to)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		return out, err
	}
	return nil, ErrUnsupported
}

var _ Transcoder = chain(nil)
