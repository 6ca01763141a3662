package vad

// EventType enumerates segmentation events.
type EventType int

const (
	// SpeechStart marks the beginning of an utterance. Prefix audio from just
	// before the detected start follows as an AudioChunk.
	SpeechStart EventType = iota

	// AudioChunk carries audio that belongs to the current utterance.
	AudioChunk

	// SpeechEnd marks the end of an utterance.
	SpeechEnd
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case AudioChunk:
		return "audio_chunk"
	case SpeechEnd:
		return "speech_end"
	}
	return "unknown"
}

// Event is one segmentation output.
type Event struct {
	Type EventType

	// Audio is 16-bit PCM at the stream's sample rate. Set only for
	// AudioChunk.
	Audio []byte
}
