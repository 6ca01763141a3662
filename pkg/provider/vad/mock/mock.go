// Package mock provides test doubles for the vad package interfaces.
//
// Use Segmenter to verify that streams are started with the expected Config.
// Use Stream to inject segmentation events and inspect the audio that was
// written.
//
// Example:
//
//	st := mock.NewStream()
//	seg := &mock.Segmenter{Stream: st}
//	handle, _ := seg.Start(ctx, cfg)
//	st.Emit(vad.Event{Type: vad.SpeechStart})
package mock

import (
	"bytes"
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// StartCall records a single invocation of Segmenter.Start.
type StartCall struct {
	Cfg vad.Config
}

// Segmenter is a mock implementation of vad.Segmenter.
type Segmenter struct {
	mu sync.Mutex

	// Stream is returned by Start. If nil, every Start returns a fresh
	// Stream, recorded in Started.
	Stream *Stream

	// Started holds the fresh streams handed out, in order.
	Started []*Stream

	// StartErr, if non-nil, is returned as the error from Start.
	StartErr error

	// StartCalls records every call to Start in order.
	StartCalls []StartCall
}

// Start records the call and returns Stream, StartErr.
func (s *Segmenter) Start(_ context.Context, cfg vad.Config) (vad.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls = append(s.StartCalls, StartCall{Cfg: cfg})
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	if s.Stream != nil {
		return s.Stream, nil
	}
	st := NewStream()
	s.Started = append(s.Started, st)
	return st, nil
}

// LastStream returns the most recently started fresh stream, or nil.
// Thread-safe.
func (s *Segmenter) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Started) == 0 {
		return nil
	}
	return s.Started[len(s.Started)-1]
}

// Ensure Segmenter implements vad.Segmenter at compile time.
var _ vad.Segmenter = (*Segmenter)(nil)

// Stream is a mock implementation of vad.Stream. Events are injected with
// Emit; Die simulates the backend process exiting.
type Stream struct {
	mu     sync.Mutex
	events chan vad.Event
	done   chan struct{}
	err    error
	ended  bool

	// Written holds every buffer passed to Write.
	Written [][]byte

	// WriteErr, if non-nil, is returned by Write.
	WriteErr error

	// CloseCallCount counts calls to Close.
	CloseCallCount int
}

// NewStream returns a running Stream with a buffered event channel.
func NewStream() *Stream {
	return &Stream{
		events: make(chan vad.Event, 64),
		done:   make(chan struct{}),
	}
}

// Emit delivers ev to the consumer. It is a no-op after the stream ended.
func (s *Stream) Emit(ev vad.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
}

// Die ends the stream with err as if the backend had crashed.
func (s *Stream) Die(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end(err)
}

func (s *Stream) end(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
	close(s.done)
}

// Write records the audio.
func (s *Stream) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	if s.ended {
		if s.err != nil {
			return 0, s.err
		}
		return 0, vad.ErrClosed
	}
	s.Written = append(s.Written, bytes.Clone(pcm))
	return len(pcm), nil
}

func (s *Stream) Events() <-chan vad.Event { return s.events }

func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream cleanly.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.end(nil)
	return nil
}

// WrittenBytes returns all written audio concatenated. Thread-safe.
func (s *Stream) WrittenBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.Written, nil)
}

// Closed reports whether Close has been called. Thread-safe.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// Ensure Stream implements vad.Stream at compile time.
var _ vad.Stream = (*Stream)(nil)
