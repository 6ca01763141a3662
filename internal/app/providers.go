package app

import (
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/voxgate/pkg/provider/llm/openai"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
	"github.com/MrWong99/voxgate/pkg/provider/reply/llmgen"
	replyremote "github.com/MrWong99/voxgate/pkg/provider/reply/remote"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/voxgate/pkg/provider/tts/openai"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
	"github.com/MrWong99/voxgate/pkg/provider/turn/heuristic"
	"github.com/MrWong99/voxgate/pkg/provider/turn/llmjudge"
	turnremote "github.com/MrWong99/voxgate/pkg/provider/turn/remote"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/subprocess"
)

// Providers holds the pipeline collaborators built from the providers
// section. Classifier and LLM may be nil.
type Providers struct {
	STT        stt.Provider
	TTS        tts.Provider
	LLM        llm.Provider
	Classifier turn.Classifier
	Generator  reply.Generator
	Segmenter  vad.Segmenter
	Transcoder audio.Transcoder

	// Breakers maps a provider kind to the circuit breaker states of its
	// fallback chain. Only kinds configured with fallbacks appear.
	Breakers map[string]func() map[string]resilience.State
}

// RegisterBuiltinProviders wires all built-in provider factories into reg.
// The "llm" classifier and generator are registered by [BuildProviders] once
// the shared LLM exists.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, llmopenai.WithTimeout(d))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok && n > 0 {
			opts = append(opts, llmopenai.WithMaxRetries(n))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other vendor goes through any-llm. "openai" keeps the native
	// client above for its enforced JSON mode.
	for _, vendor := range anyllm.Names() {
		if vendor == "openai" {
			continue
		}
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.Local(vendor) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(vendor, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "endpointing"); d > 0 {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		stability, okS := optFloat(entry.Options, "stability")
		similarity, okB := optFloat(entry.Options, "similarity_boost")
		if okS || okB {
			opts = append(opts, elevenlabs.WithVoiceSettings(stability, similarity))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if s := optString(entry.Options, "instructions"); s != "" {
			opts = append(opts, ttsopenai.WithInstructions(s))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ttsopenai.WithTimeout(d))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	// ── Turn classifiers ──────────────────────────────────────────────────────

	reg.RegisterClassifier("heuristic", func(entry config.ProviderEntry) (turn.Classifier, error) {
		n, _ := optInt(entry.Options, "min_words")
		return &heuristic.Classifier{MinWords: n}, nil
	})

	reg.RegisterClassifier("remote", func(entry config.ProviderEntry) (turn.Classifier, error) {
		var opts []turnremote.Option
		for k, v := range remoteHeaders(entry) {
			opts = append(opts, turnremote.WithHeader(k, v))
		}
		return turnremote.New(entry.BaseURL, opts...)
	})

	// ── Reply generators ──────────────────────────────────────────────────────

	reg.RegisterGenerator("remote", func(entry config.ProviderEntry) (reply.Generator, error) {
		var opts []replyremote.Option
		for k, v := range remoteHeaders(entry) {
			opts = append(opts, replyremote.WithHeader(k, v))
		}
		return replyremote.New(entry.BaseURL, opts...)
	})

	// ── Segmentation ──────────────────────────────────────────────────────────

	reg.RegisterVAD("subprocess", func(entry config.ProviderEntry) (vad.Segmenter, error) {
		var opts []subprocess.Option
		if args := optStrings(entry.Options, "args"); len(args) > 0 {
			opts = append(opts, subprocess.WithArgs(args...))
		}
		if env := optStrings(entry.Options, "env"); len(env) > 0 {
			opts = append(opts, subprocess.WithEnv(env...))
		}
		if n, ok := optInt(entry.Options, "event_buffer"); ok {
			opts = append(opts, subprocess.WithEventBuffer(n))
		}
		opts = append(opts, subprocess.WithLogger(slog.Default().With("provider", "vad/subprocess")))
		return subprocess.New(optString(entry.Options, "command"), opts...)
	})

	// ── Transcoding ───────────────────────────────────────────────────────────

	reg.RegisterTranscoder("native", func(config.ProviderEntry) (audio.Transcoder, error) {
		return audio.NewNative(), nil
	})
	reg.RegisterTranscoder("ffmpeg", func(entry config.ProviderEntry) (audio.Transcoder, error) {
		return newFFmpeg(entry), nil
	})
	reg.RegisterTranscoder("auto", func(entry config.ProviderEntry) (audio.Transcoder, error) {
		return audio.Chain(audio.NewNative(), newFFmpeg(entry)), nil
	})
}

// registerLLMBacked registers the classifier and generator that run on the
// shared LLM.
func registerLLMBacked(reg *config.Registry, p llm.Provider) {
	reg.RegisterClassifier("llm", func(entry config.ProviderEntry) (turn.Classifier, error) {
		var opts []llmjudge.Option
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, llmjudge.WithPrompt(prompt))
		}
		if n, ok := optInt(entry.Options, "max_history"); ok {
			opts = append(opts, llmjudge.WithMaxHistory(n))
		}
		return llmjudge.New(p, opts...)
	})
	reg.RegisterGenerator("llm", func(entry config.ProviderEntry) (reply.Generator, error) {
		var opts []llmgen.Option
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, llmgen.WithPrompt(prompt))
		}
		if t, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, llmgen.WithTemperature(t))
		}
		if n, ok := optInt(entry.Options, "max_tokens"); ok {
			opts = append(opts, llmgen.WithMaxTokens(n))
		}
		return llmgen.New(p, opts...)
	})
}

// BuildProviders instantiates every provider named in cfg using reg, wrapping
// those that declare fallbacks in a circuit-broken failover chain.
func BuildProviders(cfg config.ProvidersConfig, reg *config.Registry, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	ps := &Providers{Breakers: make(map[string]func() map[string]resilience.State)}
	fbCfg := resilience.FallbackConfig{Logger: log}

	// LLM first: the "llm" classifier and generator depend on it.
	if cfg.LLM.Name != "" {
		p, err := buildChain(reg.CreateLLM, cfg.LLM, "llm", log, func(primary llm.Provider, entry config.ProviderEntry) chain[llm.Provider] {
			fb := resilience.NewLLMFallback(primary, entry.Name, fbCfg)
			return chain[llm.Provider]{value: fb, add: func(name string, p llm.Provider) error {
				fb.AddFallback(name, p)
				return nil
			}, states: fb.States}
		}, ps)
		if err != nil {
			return nil, err
		}
		ps.LLM = p
		registerLLMBacked(reg, p)
	}

	stp, err := buildChain(reg.CreateSTT, cfg.STT, "stt", log, func(primary stt.Provider, entry config.ProviderEntry) chain[stt.Provider] {
		fb := resilience.NewSTTFallback(primary, entry.Name, fbCfg)
		return chain[stt.Provider]{value: fb, add: func(name string, p stt.Provider) error {
			fb.AddFallback(name, p)
			return nil
		}, states: fb.States}
	}, ps)
	if err != nil {
		return nil, err
	}
	ps.STT = stp

	ttp, err := buildChain(reg.CreateTTS, cfg.TTS, "tts", log, func(primary tts.Provider, entry config.ProviderEntry) chain[tts.Provider] {
		fb := resilience.NewTTSFallback(primary, entry.Name, fbCfg)
		return chain[tts.Provider]{value: fb, add: fb.AddFallback, states: fb.States}
	}, ps)
	if err != nil {
		return nil, err
	}
	ps.TTS = ttp

	gen, err := buildChain(reg.CreateGenerator, cfg.Generator, "generator", log, func(primary reply.Generator, entry config.ProviderEntry) chain[reply.Generator] {
		fb := resilience.NewReplyFallback(primary, entry.Name, fbCfg)
		return chain[reply.Generator]{value: fb, add: func(name string, g reply.Generator) error {
			fb.AddFallback(name, g)
			return nil
		}, states: fb.States}
	}, ps)
	if err != nil {
		return nil, err
	}
	ps.Generator = gen

	if cfg.Classifier.Name != "" {
		c, err := reg.CreateClassifier(cfg.Classifier)
		if err != nil {
			return nil, fmt.Errorf("app: create classifier %q: %w", cfg.Classifier.Name, err)
		}
		ps.Classifier = c
		log.Info("provider created", "kind", "classifier", "name", cfg.Classifier.Name)
	}

	seg, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("app: create vad %q: %w", cfg.VAD.Name, err)
	}
	ps.Segmenter = seg
	log.Info("provider created", "kind", "vad", "name", cfg.VAD.Name)

	tc, err := reg.CreateTranscoder(cfg.Transcoder)
	if err != nil {
		return nil, fmt.Errorf("app: create transcoder %q: %w", cfg.Transcoder.Name, err)
	}
	ps.Transcoder = tc
	log.Info("provider created", "kind", "transcoder", "name", cfg.Transcoder.Name)

	return ps, nil
}

// chain is a failover wrapper under construction.
type chain[T any] struct {
	value  T
	add    func(name string, p T) error
	states func() map[string]resilience.State
}

// buildChain creates the provider for entry and, when it declares fallbacks,
// wraps it with wrap and appends each fallback.
func buildChain[T any](
	create func(config.ProviderEntry) (T, error),
	entry config.ProviderEntry,
	kind string,
	log *slog.Logger,
	wrap func(T, config.ProviderEntry) chain[T],
	ps *Providers,
) (T, error) {
	var zero T
	primary, err := create(entry)
	if err != nil {
		return zero, fmt.Errorf("app: create %s provider %q: %w", kind, entry.Name, err)
	}
	log.Info("provider created", "kind", kind, "name", entry.Name)
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	c := wrap(primary, entry)
	for i, fbEntry := range entry.Fallbacks {
		p, err := create(fbEntry)
		if err != nil {
			return zero, fmt.Errorf("app: create %s fallback %d %q: %w", kind, i, fbEntry.Name, err)
		}
		name := fmt.Sprintf("%s#%d", fbEntry.Name, i+1)
		if err := c.add(name, p); err != nil {
			return zero, fmt.Errorf("app: add %s fallback %q: %w", kind, name, err)
		}
		log.Info("fallback provider added", "kind", kind, "name", name)
	}
	ps.Breakers[kind] = c.states
	return c.value, nil
}

func newFFmpeg(entry config.ProviderEntry) *audio.FFmpeg {
	var opts []audio.FFmpegOption
	if bin := optString(entry.Options, "binary"); bin != "" {
		opts = append(opts, audio.WithBinary(bin))
	}
	if n, ok := optInt(entry.Options, "read_size"); ok {
		opts = append(opts, audio.WithReadSize(n))
	}
	return audio.NewFFmpeg(opts...)
}

// remoteHeaders returns the HTTP headers for a remote classifier or
// generator: options.headers plus a bearer token when an API key is set.
func remoteHeaders(entry config.ProviderEntry) map[string]string {
	h := make(map[string]string)
	if m, ok := entry.Options["headers"].(map[string]any); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				h[k] = s
			}
		}
	}
	if entry.APIKey != "" {
		h["Authorization"] = "Bearer " + entry.APIKey
	}
	return h
}

// ── Option helpers ────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// optFloat extracts a number.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optDuration parses a Go duration string such as "300ms".
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}

// optStrings extracts a list of strings, skipping non-string items.
func optStrings(opts map[string]any, key string) []string {
	items, _ := opts[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
