package memory

import "time"

// Speaker identifies one side of a conversation.
type Speaker string

const (
	// SpeakerCaller is the human on the line.
	SpeakerCaller Speaker = "caller"
	// SpeakerAssistant is the gateway's generated side.
	SpeakerAssistant Speaker = "assistant"
)

// TurnRecord is one persisted conversation turn.
type TurnRecord struct {
	// SessionID is the session the turn belongs to.
	SessionID string

	// CallerID identifies the caller across sessions (a phone number or an
	// account id). Empty for anonymous callers.
	CallerID string

	// Speaker says who produced the turn.
	Speaker Speaker

	// Text is the turn text as delivered or transcribed.
	Text string

	// Channel is "audio" or "text".
	Channel string

	// At is when the turn was completed.
	At time.Time

	// Latency is the generation time for assistant turns. Zero for callers.
	Latency time.Duration
}
