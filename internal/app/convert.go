package app

import (
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// SessionConfig maps the per-session sections of cfg to a [session.Config].
// Zero values are left for the session package to default.
func SessionConfig(cfg *config.Config) session.Config {
	sc := session.Config{
		MaxHistory: cfg.Session.MaxHistory,
		Transcription: session.TranscriptionConfig{
			Language:          cfg.Transcription.Language,
			SendChunkBytes:    cfg.Transcription.SendChunkBytes,
			KeepAliveInterval: cfg.Transcription.KeepAliveInterval,
			Reconnect: session.ReconnectPolicy{
				MaxAttempts: cfg.Transcription.ReconnectAttempts,
				Delay:       cfg.Transcription.ReconnectDelay,
			},
			Interim: session.InterimConfig{
				MinConfidence: cfg.Transcription.InterimMinConfidence,
				MinInterval:   cfg.Transcription.InterimMinInterval,
			},
		},
		Turn: session.TurnConfig{
			GracePeriod:       cfg.Turn.GracePeriod,
			ClassifierTimeout: cfg.Turn.ClassifierTimeout,
		},
		Response: session.ResponseConfig{
			GenerationTimeout: cfg.Response.GenerationTimeout,
			SynthesisTimeout:  cfg.Response.SynthesisTimeout,
			Apology:           cfg.Response.Apology,
			Greeting:          cfg.Response.Greeting,
			Voice: tts.VoiceProfile{
				ID:          cfg.Response.Voice.VoiceID,
				SpeedFactor: cfg.Response.Voice.SpeedFactor,
			},
		},
		Outbound: session.OutboundConfig{
			ChunkDuration:   cfg.Outbound.ChunkDuration,
			SilenceChunks:   cfg.Outbound.SilenceChunks,
			BargeInCooldown: cfg.Outbound.BargeInCooldown,
		},
		VADThreshold:      cfg.Pipeline.VADThreshold,
		MediaWriteTimeout: cfg.Pipeline.MediaWriteTimeout,
		Vocabulary:        cfg.Transcription.Vocabulary,
	}
	if rate := cfg.Pipeline.SpeechSampleRate; rate > 0 {
		sc.SpeechFormat = audio.Speech
		sc.SpeechFormat.SampleRate = rate
	}
	return sc
}

// RegistryConfig maps the session section of cfg to a [session.RegistryConfig].
func RegistryConfig(cfg *config.Config) session.RegistryConfig {
	return session.RegistryConfig{
		MaxSessions:   cfg.Session.MaxSessions,
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		KeepAliveTick: cfg.Session.KeepAliveTick,
	}
}

// GatewayConfig maps the gateway section of cfg to a [gateway.Config].
func GatewayConfig(cfg *config.Config) gateway.Config {
	g := cfg.Gateway
	return gateway.Config{
		ReadLimit:          g.ReadLimit,
		WriteTimeout:       g.WriteTimeout,
		PingInterval:       g.PingInterval,
		PongWait:           g.PongWait,
		HandshakeTimeout:   g.HandshakeTimeout,
		MaxFramesPerSecond: g.MaxFramesPerSecond,
		FrameBurst:         g.FrameBurst,
		AllowedOrigins:     g.AllowedOrigins,
		GreetTelephony:     g.GreetTelephony == nil || *g.GreetTelephony,
		GreetBrowser:       g.GreetBrowser,
	}
}
