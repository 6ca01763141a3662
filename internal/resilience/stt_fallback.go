package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// STTFallback opens transcription streams on the first healthy of several
// STT backends.
//
// A stream that later ends with an error is reported to the breaker of the
// backend that opened it. A dropped transcription channel reconnects through
// StartStream, so once that breaker opens the reconnect lands on the next
// backend.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns a chain that prefers primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend to the chain.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a stream on the first backend that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, breaker, err := execute(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return &reportingSession{SessionHandle: h, breaker: breaker}, nil
}

// States reports the breaker state of every backend.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// reportingSession reports the end-of-stream error of a session to the
// breaker of its backend, once.
type reportingSession struct {
	stt.SessionHandle
	breaker *CircuitBreaker
	once    sync.Once
}

func (s *reportingSession) Err() error {
	err := s.SessionHandle.Err()
	if err != nil {
		s.once.Do(func() { s.breaker.Report(err) })
	}
	return err
}
