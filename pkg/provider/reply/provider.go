// Package reply defines the Generator interface for response generation.
//
// A generator receives the caller's completed turn together with the channel
// it arrived on and the conversation history, and returns the raw answer
// bytes. The gateway parses the answer itself so generators stay free to
// return loose JSON or plain text.
//
// Implementations must be safe for concurrent use.
package reply

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

// Channel is the medium a turn arrived on or a reply is delivered over.
type Channel string

const (
	// ChannelAudio is spoken audio.
	ChannelAudio Channel = "audio"
	// ChannelText is a text event to the client.
	ChannelText Channel = "text"
)

// IsValid reports whether c is a known channel.
func (c Channel) IsValid() bool {
	return c == ChannelAudio || c == ChannelText
}

// Request is one generation request.
type Request struct {
	// Message is the caller's completed turn.
	Message string

	// InputChannel is the channel the turn arrived on.
	InputChannel Channel

	// History is the conversation before Message, oldest first.
	History []llm.Message
}

// Generator produces a reply for a completed turn.
type Generator interface {
	// Generate returns the raw reply, ideally a JSON object
	// {"response": string, "output_channel": "audio"|"text"}.
	Generate(ctx context.Context, req Request) ([]byte, error)
}
