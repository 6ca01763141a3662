// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened, a
// session accepts raw PCM audio and emits two streams of Transcript values:
// low-latency partials for responsiveness and authoritative finals for the
// conversation history.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrClosed is returned by SessionHandle methods called after Close.
var ErrClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Typically 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string selects the provider default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product or company names.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio to the provider. Calling
	// SendAudio after Close returns ErrClosed.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim transcripts. It is closed when the
	// session ends.
	Partials() <-chan Transcript

	// Finals returns a channel of final transcripts. It is closed when the
	// session ends.
	Finals() <-chan Transcript

	// Finalize asks the provider to commit everything sent so far as final
	// transcripts without waiting for its own endpointing.
	Finalize() error

	// KeepAlive tells the provider the session is still in use while no
	// audio is flowing.
	KeepAlive() error

	// Err returns the reason the session ended if the remote side closed it
	// or the connection failed. It returns nil while the session is open and
	// after a local Close.
	Err() error

	// Close terminates the session, flushes pending audio and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. The caller owns
	// the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
