// Package mock provides a test double for the audio.Transcoder interface.
//
// Transcoder passes audio through unchanged unless a conversion function is
// set, which lets session tests feed media frames and observe exactly what
// reaches the segmenter.
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// TranscodeCall records a single invocation of Transcoder.Transcode or
// Transcoder.TranscodeBuffer.
type TranscodeCall struct {
	From, To audio.Format
	// Input is a copy of the buffer for TranscodeBuffer calls; nil for
	// streaming calls.
	Input []byte
}

// Transcoder is a mock implementation of audio.Transcoder.
type Transcoder struct {
	mu sync.Mutex

	// ConvertFunc, if set, converts each chunk. Defaults to identity.
	ConvertFunc func(b []byte) []byte

	// TranscodeErr, if non-nil, is returned by Transcode.
	TranscodeErr error

	// BufferErr, if non-nil, is returned by TranscodeBuffer.
	BufferErr error

	// Calls records every call.
	Calls []TranscodeCall

	// Streams holds the streaming conversions started so far, so tests can
	// simulate a process dying with CloseWithError.
	Streams []*audio.Stream
}

// Transcode starts a goroutine that copies in to the returned stream.
func (t *Transcoder) Transcode(ctx context.Context, in io.Reader, from, to audio.Format) (*audio.Stream, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, TranscodeCall{From: from, To: to})
	if t.TranscodeErr != nil {
		err := t.TranscodeErr
		t.mu.Unlock()
		return nil, err
	}
	convert := t.ConvertFunc
	t.mu.Unlock()

	s, err := audio.NewPipeStream(ctx, in, func(b []byte) ([]byte, error) {
		if convert != nil {
			return convert(b), nil
		}
		return bytes.Clone(b), nil
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.Streams = append(t.Streams, s)
	t.mu.Unlock()
	return s, nil
}

// TranscodeBuffer records the call and returns the converted buffer.
func (t *Transcoder) TranscodeBuffer(_ context.Context, b []byte, from, to audio.Format) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, TranscodeCall{From: from, To: to, Input: bytes.Clone(b)})
	if t.BufferErr != nil {
		return nil, t.BufferErr
	}
	if t.ConvertFunc != nil {
		return t.ConvertFunc(b), nil
	}
	return bytes.Clone(b), nil
}

// LastStream returns the most recent streaming conversion, or nil.
// Thread-safe.
func (t *Transcoder) LastStream() *audio.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Streams) == 0 {
		return nil
	}
	return t.Streams[len(t.Streams)-1]
}

// CallCount returns the number of recorded calls. Thread-safe.
func (t *Transcoder) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// Ensure Transcoder implements audio.Transcoder at compile time.
var _ audio.Transcoder = (*Transcoder)(nil)
