package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker. All backends must
// produce the same audio format so the outbound path never has to re-negotiate
// mid-call.
type TTSFallback struct {
	group  *FallbackGroup[tts.Provider]
	format audio.Format
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group:  NewFallbackGroup(primary, primaryName, cfg),
		format: primary.Format(),
	}
}

// AddFallback registers an additional TTS provider as a fallback. It returns
// an error when the provider's output format differs from the primary's.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) error {
	if got := provider.Format(); got != f.format {
		return fmt.Errorf("resilience: tts fallback %q: format %s does not match %s", name, got, f.format)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Synthesize renders text with the first healthy provider. A provider that
// returns no audio counts as failed.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		b, err := p.Synthesize(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("resilience: tts: empty audio for %d chars", len(text))
		}
		return b, nil
	})
}

// Format returns the shared output format of every backend.
func (f *TTSFallback) Format() audio.Format { return f.format }

// States reports the breaker state of every backend.
func (f *TTSFallback) States() map[string]State { return f.group.States() }
