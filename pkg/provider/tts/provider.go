// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one reply into a complete audio buffer. Replies in a
// voice call are short, so the gateway synthesizes the whole reply before
// streaming it out at real-time pace; that keeps barge-in cancellation in a
// single place (the outbound streamer) instead of spread across providers.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text in the given voice and returns the audio in the
	// provider's [Provider.Format]. It returns an error if ctx expires before
	// the audio is complete.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// Format reports the encoding of the audio Synthesize returns.
	Format() audio.Format
}
