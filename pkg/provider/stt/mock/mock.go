// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig and to script connection failures. Use Session to feed
// controlled Transcript values, simulate a remote hangup with Drop, and
// inspect which audio chunks and control messages were delivered.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	p.LastSession().EmitFinal("hello")
package mock

import (
	"bytes"
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session, if non-nil, is returned by every successful StartStream.
	// Otherwise each call returns a fresh Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamErrs scripts per-call failures: call i fails with
	// StartStreamErrs[i] when that entry is non-nil. Calls beyond the slice
	// fall back to StartStreamErr.
	StartStreamErrs []error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Started holds the fresh sessions handed out, in order.
	Started []*Session
}

// StartStream records the call and returns a session or the scripted error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.StartStreamCalls)
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if i < len(p.StartStreamErrs) && p.StartStreamErrs[i] != nil {
		return nil, p.StartStreamErrs[i]
	}
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.Started = append(p.Started, s)
	return s, nil
}

// SetStartStreamErr replaces StartStreamErr. Use it instead of assigning the
// field once the provider is shared with running goroutines. Thread-safe.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamErr = err
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// LastSession returns the most recently started fresh session, or nil.
// Thread-safe.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Started) == 0 {
		return nil
	}
	return p.Started[len(p.Started)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Started = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu       sync.Mutex
	partials chan stt.Transcript
	finals   chan stt.Transcript
	ended    bool
	err      error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// --- Call records ---

	// Audio records every chunk passed to SendAudio in order.
	Audio [][]byte

	// FinalizeCallCount is the number of times Finalize was called.
	FinalizeCallCount int

	// KeepAliveCallCount is the number of times KeepAlive was called.
	KeepAliveCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
	}
}

// EmitPartial delivers an interim transcript. No-op once the session ended.
func (s *Session) EmitPartial(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	t.IsFinal = false
	s.partials <- t
}

// EmitFinal delivers a final transcript with the given text. No-op once the
// session ended.
func (s *Session) EmitFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1}
}

// Drop ends the session as if the remote side had hung up with err.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.end()
}

func (s *Session) end() {
	s.ended = true
	close(s.partials)
	close(s.finals)
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		if s.err != nil {
			return s.err
		}
		return stt.ErrClosed
	}
	s.Audio = append(s.Audio, bytes.Clone(chunk))
	return s.SendAudioErr
}

// Partials returns the interim transcript channel.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Finalize records the call.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrClosed
	}
	s.FinalizeCallCount++
	return nil
}

// KeepAlive records the call.
func (s *Session) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrClosed
	}
	s.KeepAliveCallCount++
	return nil
}

// Err returns the error passed to Drop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.ended {
		s.end()
	}
	return nil
}

// AudioBytes returns all audio sent so far, concatenated. Thread-safe.
func (s *Session) AudioBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.Audio, nil)
}

// Counts returns the Finalize, KeepAlive and Close call counts. Thread-safe.
func (s *Session) Counts() (finalize, keepAlive, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalizeCallCount, s.KeepAliveCallCount, s.CloseCallCount
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
