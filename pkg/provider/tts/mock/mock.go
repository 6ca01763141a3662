// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to the outbound path and to verify
// which text and VoiceProfile reached the TTS backend. Set Block to make
// Synthesize wait until its context ends, which is how tests exercise the
// synthesis timeout.
//
// Example:
//
//	p := &mock.Provider{Audio: make([]byte, 1600)}
//	b, _ := p.Synthesize(ctx, "hello", tts.VoiceProfile{ID: "v1"})
package mock

import (
	"bytes"
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned (copied) by every successful Synthesize call.
	Audio []byte

	// AudioFormat is returned by Format. The zero value reports audio.Telephony.
	AudioFormat audio.Format

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// FailFirst makes only the first N calls fail with SynthesizeErr.
	// Zero means every call fails while SynthesizeErr is set.
	FailFirst int

	// Block makes Synthesize wait for ctx to be done and return ctx.Err().
	Block bool

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Audio or the scripted error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	n := len(p.Calls)
	block := p.Block
	err := p.SynthesizeErr
	if err != nil && p.FailFirst > 0 && n > p.FailFirst {
		err = nil
	}
	out := bytes.Clone(p.Audio)
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Format returns AudioFormat, defaulting to telephony mu-law.
func (p *Provider) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AudioFormat == (audio.Format{}) {
		return audio.Telephony
	}
	return p.AudioFormat
}

// Texts returns the text of every Synthesize call. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Text
	}
	return out
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
