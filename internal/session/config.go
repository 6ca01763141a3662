package session

import (
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// Default tunables. Each one can be overridden through [Config].
const (
	defaultMaxHistory        = 20
	defaultSendChunkBytes    = 6400
	defaultKeepAlive         = 10 * time.Second
	defaultInterimConfidence = 0.7
	defaultInterimInterval   = 100 * time.Millisecond
	defaultGracePeriod       = 2 * time.Second
	defaultClassifierTimeout = 3 * time.Second
	defaultGenerationTimeout = 15 * time.Second
	defaultSynthesisTimeout  = 10 * time.Second
	defaultChunkDuration     = 20 * time.Millisecond
	defaultSilenceChunks     = 5
	defaultBargeInCooldown   = 500 * time.Millisecond
	defaultMediaWriteTimeout = 2 * time.Second
	defaultApology           = "Sorry, I ran into a problem. Could you say that again?"
)

// Config holds the per-session tunables. The zero value of any field selects
// its default; see [Config.withDefaults].
type Config struct {
	// MaxHistory caps the number of conversation entries kept in memory.
	MaxHistory int

	// Transcription configures the speech-to-text channel.
	Transcription TranscriptionConfig

	// Turn configures the turn-completion state machine.
	Turn TurnConfig

	// Response configures reply generation and synthesis.
	Response ResponseConfig

	// Outbound configures audio playback pacing and barge-in.
	Outbound OutboundConfig

	// SpeechFormat is the PCM format fed to the segmenter and the
	// transcription service. Defaults to [audio.Speech].
	SpeechFormat audio.Format

	// VADThreshold is passed to the segmenter. Zero lets the segmenter pick.
	VADThreshold float64

	// MediaWriteTimeout bounds one HandleMedia write into the pipeline. A
	// write that stalls longer fails the session with [ErrPipeline].
	MediaWriteTimeout time.Duration

	// Vocabulary lists domain terms whose misheard forms are corrected in
	// transcripts. Empty disables correction.
	Vocabulary []string
}

// TranscriptionConfig configures a [TranscriptionChannel].
type TranscriptionConfig struct {
	// Language is the BCP-47 recognition language. Empty selects the
	// provider default.
	Language string

	// SendChunkBytes is the number of speech bytes accumulated before they
	// are sent to the transcription service.
	SendChunkBytes int

	// KeepAliveInterval is how long the channel may go without audio before
	// a keep-alive is sent.
	KeepAliveInterval time.Duration

	// Reconnect bounds the reopen attempts after an unexpected close.
	Reconnect ReconnectPolicy

	// Interim configures which interim transcripts reach the caller.
	Interim InterimConfig
}

// InterimConfig configures an [InterimFilter].
type InterimConfig struct {
	// MinConfidence is the lowest confidence forwarded.
	MinConfidence float64

	// MinInterval is the minimum time between two forwarded interims.
	MinInterval time.Duration
}

// TurnConfig configures a [TurnAggregator].
type TurnConfig struct {
	// GracePeriod is how long the aggregator waits for more speech after the
	// classifier said the caller is not done.
	GracePeriod time.Duration

	// ClassifierTimeout bounds a single classifier call.
	ClassifierTimeout time.Duration
}

// ResponseConfig configures the [Dispatcher] and speech synthesis.
type ResponseConfig struct {
	// GenerationTimeout bounds a single reply generation.
	GenerationTimeout time.Duration

	// SynthesisTimeout bounds a single TTS request.
	SynthesisTimeout time.Duration

	// Apology is the canned reply used when generation or synthesis fails.
	Apology string

	// Greeting, when non-empty, is spoken to telephony callers on start.
	Greeting string

	// Voice is the voice used for every synthesized reply.
	Voice tts.VoiceProfile
}

// OutboundConfig configures the [Outbound] streamer.
type OutboundConfig struct {
	// ChunkDuration is the playback duration of each outbound chunk.
	ChunkDuration time.Duration

	// SilenceChunks is the number of silence chunks sent after a cancel.
	// A negative value disables them.
	SilenceChunks int

	// BargeInCooldown suppresses repeated cancellations from the same
	// speech onset.
	BargeInCooldown time.Duration
}

// withDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = defaultMaxHistory
	}
	if c.SpeechFormat == (audio.Format{}) {
		c.SpeechFormat = audio.Speech
	}
	if c.MediaWriteTimeout <= 0 {
		c.MediaWriteTimeout = defaultMediaWriteTimeout
	}
	t := &c.Transcription
	if t.SendChunkBytes <= 0 {
		t.SendChunkBytes = defaultSendChunkBytes
	}
	if t.KeepAliveInterval <= 0 {
		t.KeepAliveInterval = defaultKeepAlive
	}
	t.Reconnect = t.Reconnect.withDefaults()
	if t.Interim.MinConfidence <= 0 {
		t.Interim.MinConfidence = defaultInterimConfidence
	}
	if t.Interim.MinInterval <= 0 {
		t.Interim.MinInterval = defaultInterimInterval
	}
	if c.Turn.GracePeriod <= 0 {
		c.Turn.GracePeriod = defaultGracePeriod
	}
	if c.Turn.ClassifierTimeout <= 0 {
		c.Turn.ClassifierTimeout = defaultClassifierTimeout
	}
	r := &c.Response
	if r.GenerationTimeout <= 0 {
		r.GenerationTimeout = defaultGenerationTimeout
	}
	if r.SynthesisTimeout <= 0 {
		r.SynthesisTimeout = defaultSynthesisTimeout
	}
	if r.Apology == "" {
		r.Apology = defaultApology
	}
	o := &c.Outbound
	if o.ChunkDuration <= 0 {
		o.ChunkDuration = defaultChunkDuration
	}
	if o.SilenceChunks == 0 {
		o.SilenceChunks = defaultSilenceChunks
	}
	if o.SilenceChunks < 0 {
		o.SilenceChunks = 0
	}
	if o.BargeInCooldown <= 0 {
		o.BargeInCooldown = defaultBargeInCooldown
	}
	return c
}
