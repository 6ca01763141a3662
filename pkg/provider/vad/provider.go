// Package vad defines the Segmenter interface for voice-activity
// segmentation backends.
//
// A segmenter consumes a continuous 16-bit PCM stream and emits speech
// boundaries together with the audio it judged worth transcribing. It is
// modelled as a per-call stream: [Segmenter.Start] returns a [Stream] that
// accepts audio through Write and delivers [Event] values on a channel until
// it is closed or the backend dies.
//
// Implementations must be safe for concurrent use: one Segmenter serves many
// calls, each with its own Stream.
package vad

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrClosed is returned by Stream.Write after the stream has ended.
var ErrClosed = errors.New("vad: stream closed")

// Config holds the parameters for one segmentation stream.
type Config struct {
	// SampleRate is the rate of the PCM written to the stream in Hz.
	SampleRate int

	// Threshold is the speech probability above which audio counts as speech.
	// Range: [0.0, 1.0]. Zero leaves the backend default in place.
	Threshold float64

	// PrefixPadding is how much audio before the detected start is included
	// with the SpeechStart event. Zero leaves the backend default in place.
	PrefixPadding time.Duration

	// Logger receives the stream's warnings. Nil uses the segmenter's own
	// logger.
	Logger *slog.Logger
}

// Stream is an active segmentation session for a single audio source. Events
// are produced lazily as audio is written; the stream cannot be restarted
// once it has ended.
type Stream interface {
	// Write submits PCM audio. It may block while the backend applies
	// backpressure. It returns [ErrClosed] or the backend failure once the
	// stream has ended.
	Write(pcm []byte) (int, error)

	// Events returns the segmentation output. The channel is closed when the
	// stream ends.
	Events() <-chan Event

	// Done is closed when the stream has ended for any reason.
	Done() <-chan struct{}

	// Err returns the reason the stream ended unexpectedly, or nil while it
	// is running or after a clean Close.
	Err() error

	// Close ends the stream and releases the backend. It is safe to call
	// more than once.
	Close() error
}

// Segmenter is the factory for segmentation streams.
type Segmenter interface {
	// Start launches a new stream. The stream is torn down when ctx is
	// cancelled.
	Start(ctx context.Context, cfg Config) (Stream, error)
}
