package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs", "openai"},
	"llm":        {"openai", "anthropic", "gemini", "deepseek", "mistral", "ollama", "groq", "llamacpp", "llamafile"},
	"classifier": {"remote", "llm", "heuristic"},
	"generator":  {"remote", "llm"},
	"vad":        {"subprocess"},
	"transcoder": {"auto", "native", "ffmpeg"},
}

// fallbackKinds are the provider kinds that accept a fallbacks list.
var fallbackKinds = []string{"stt", "tts", "llm", "generator"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		add("server.tls requires both cert_file and key_file")
	}

	// Providers
	p := cfg.Providers
	if p.STT.Name == "" {
		add("providers.stt.name is required")
	}
	if p.TTS.Name == "" {
		add("providers.tts.name is required")
	}
	if p.Generator.Name == "" {
		add("providers.generator.name is required")
	}
	if p.VAD.Name == "" {
		add("providers.vad.name is required")
	}
	if p.VAD.Name == "subprocess" && optionString(p.VAD.Options, "command") == "" {
		add("providers.vad.options.command is required for the subprocess segmenter")
	}
	for _, e := range []struct {
		kind  string
		entry ProviderEntry
	}{{"classifier", p.Classifier}, {"generator", p.Generator}} {
		switch e.entry.Name {
		case "llm":
			if p.LLM.Name == "" {
				add("providers.%s: %q requires providers.llm to be configured", e.kind, e.entry.Name)
			}
		case "remote":
			if e.entry.BaseURL == "" {
				add("providers.%s.base_url is required for a remote %s", e.kind, e.kind)
			}
		}
	}
	if p.Classifier.Name == "" {
		slog.Warn("providers.classifier is not configured; every final transcript completes a turn")
	}

	entries := map[string]ProviderEntry{
		"stt": p.STT, "tts": p.TTS, "llm": p.LLM, "classifier": p.Classifier,
		"generator": p.Generator, "vad": p.VAD, "transcoder": p.Transcoder,
	}
	for kind, entry := range entries {
		validateProviderName(kind, entry.Name)
		if len(entry.Fallbacks) > 0 && !slices.Contains(fallbackKinds, kind) {
			add("providers.%s.fallbacks is not supported; only %s accept fallbacks", kind, strings.Join(fallbackKinds, ", "))
		}
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				add("providers.%s.fallbacks[%d].name is required", kind, i)
			}
			if len(fb.Fallbacks) > 0 {
				add("providers.%s.fallbacks[%d] cannot declare nested fallbacks", kind, i)
			}
			validateProviderName(kind, fb.Name)
		}
	}

	// Pipeline
	if r := cfg.Pipeline.SpeechSampleRate; r != 0 && (r < 8000 || r > 48000) {
		add("pipeline.speech_sample_rate %d is out of range [8000, 48000]", r)
	}
	if t := cfg.Pipeline.VADThreshold; t < 0 || t > 1 {
		add("pipeline.vad_threshold %.2f is out of range [0, 1]", t)
	}
	if d := cfg.Pipeline.MediaWriteTimeout; d < 0 {
		add("pipeline.media_write_timeout %v must not be negative", d)
	}
	if r := cfg.Observability.TraceSampleRatio; r < 0 || r > 1 {
		add("observability.trace_sample_ratio %.2f is out of range [0, 1]", r)
	}

	// Transcription
	tr := cfg.Transcription
	if tr.SendChunkBytes < 0 {
		add("transcription.send_chunk_bytes must not be negative")
	}
	if tr.SendChunkBytes%2 != 0 {
		add("transcription.send_chunk_bytes %d must be a whole number of 16-bit samples", tr.SendChunkBytes)
	}
	if tr.ReconnectAttempts < 0 {
		add("transcription.reconnect_attempts must not be negative")
	}
	if c := tr.InterimMinConfidence; c < 0 || c > 1 {
		add("transcription.interim_min_confidence %.2f is out of range [0, 1]", c)
	}
	for i, term := range tr.Vocabulary {
		if strings.TrimSpace(term) == "" {
			add("transcription.vocabulary[%d] is empty", i)
		}
	}

	// Response
	if s := cfg.Response.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		add("response.voice.speed_factor %.2f is out of range [0.5, 2.0]", s)
	}

	// Outbound
	if d := cfg.Outbound.ChunkDuration; d != 0 && (d.Milliseconds() < 10 || d.Milliseconds() > 200) {
		add("outbound.chunk_duration %s is out of range [10ms, 200ms]", d)
	}

	// Session
	if cfg.Session.MaxSessions < 0 {
		add("session.max_sessions must not be negative")
	}
	if cfg.Session.MaxHistory < 0 {
		add("session.max_history must not be negative")
	}

	// Gateway
	g := cfg.Gateway
	paths := map[string]string{
		"gateway.telephony_path":     g.TelephonyPath,
		"gateway.browser_path":       g.BrowserPath,
		"observability.metrics_path": cfg.Observability.MetricsPath,
	}
	for field, path := range paths {
		if path != "" && !strings.HasPrefix(path, "/") {
			add("%s %q must start with /", field, path)
		}
	}
	if g.TelephonyPath != "" && g.TelephonyPath == g.BrowserPath {
		add("gateway.telephony_path and gateway.browser_path must differ")
	}
	if g.MaxFramesPerSecond < 0 || g.FrameBurst < 0 {
		add("gateway frame rate limits must not be negative")
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// optionString returns opts[key] if it is a string, otherwise "".
func optionString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
