package tts

// VoiceProfile selects the voice a reply is spoken in.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable label.
	Name string

	// SpeedFactor scales the speaking rate. 1.0 (or zero) is normal speed.
	SpeedFactor float64
}
