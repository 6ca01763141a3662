package app_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
	audiomock "github.com/MrWong99/voxgate/pkg/audio/mock"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgate/pkg/provider/llm/mock"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
	replymock "github.com/MrWong99/voxgate/pkg/provider/reply/mock"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxgate/pkg/provider/stt/mock"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxgate/pkg/provider/tts/mock"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
	turnmock "github.com/MrWong99/voxgate/pkg/provider/turn/mock"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	vadmock "github.com/MrWong99/voxgate/pkg/provider/vad/mock"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stubRegistry registers a "stub" factory for every provider kind and
// records how often each was called.
func stubRegistry(t *testing.T) (*config.Registry, map[string]int) {
	t.Helper()
	reg := config.NewRegistry()
	calls := make(map[string]int)
	reg.RegisterLLM("stub", func(config.ProviderEntry) (llm.Provider, error) {
		calls["llm"]++
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) {
		calls["stt"]++
		return &sttmock.Provider{}, nil
	})
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) {
		calls["tts"]++
		return &ttsmock.Provider{}, nil
	})
	reg.RegisterClassifier("stub", func(config.ProviderEntry) (turn.Classifier, error) {
		calls["classifier"]++
		return &turnmock.Classifier{}, nil
	})
	reg.RegisterGenerator("stub", func(config.ProviderEntry) (reply.Generator, error) {
		calls["generator"]++
		return &replymock.Generator{}, nil
	})
	reg.RegisterVAD("stub", func(config.ProviderEntry) (vad.Segmenter, error) {
		calls["vad"]++
		return &vadmock.Segmenter{}, nil
	})
	reg.RegisterTranscoder("stub", func(config.ProviderEntry) (audio.Transcoder, error) {
		calls["transcoder"]++
		return &audiomock.Transcoder{}, nil
	})
	return reg, calls
}

func stubProvidersConfig() config.ProvidersConfig {
	stub := config.ProviderEntry{Name: "stub"}
	return config.ProvidersConfig{
		STT:        stub,
		TTS:        stub,
		Generator:  stub,
		VAD:        stub,
		Transcoder: stub,
	}
}

func TestBuildProviders_Minimal(t *testing.T) {
	t.Parallel()
	reg, calls := stubRegistry(t)

	ps, err := app.BuildProviders(stubProvidersConfig(), reg, discardLogger())
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.STT == nil || ps.TTS == nil || ps.Generator == nil || ps.Segmenter == nil || ps.Transcoder == nil {
		t.Fatalf("missing providers: %+v", ps)
	}
	if ps.LLM != nil || ps.Classifier != nil {
		t.Errorf("optional providers should stay nil, got llm=%v classifier=%v", ps.LLM, ps.Classifier)
	}
	if _, ok := ps.STT.(*sttmock.Provider); !ok {
		t.Errorf("STT without fallbacks should not be wrapped, got %T", ps.STT)
	}
	if len(ps.Breakers) != 0 {
		t.Errorf("Breakers = %v, want none", ps.Breakers)
	}
	if calls["llm"] != 0 || calls["classifier"] != 0 {
		t.Errorf("unexpected factory calls %v", calls)
	}
}

func TestBuildProviders_Fallbacks(t *testing.T) {
	t.Parallel()
	reg, calls := stubRegistry(t)

	cfg := stubProvidersConfig()
	cfg.STT.Fallbacks = []config.ProviderEntry{{Name: "stub"}, {Name: "stub"}}
	cfg.TTS.Fallbacks = []config.ProviderEntry{{Name: "stub"}}
	cfg.Generator.Fallbacks = []config.ProviderEntry{{Name: "stub"}}

	ps, err := app.BuildProviders(cfg, reg, discardLogger())
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := ps.STT.(*resilience.STTFallback); !ok {
		t.Errorf("STT = %T, want *resilience.STTFallback", ps.STT)
	}
	if _, ok := ps.TTS.(*resilience.TTSFallback); !ok {
		t.Errorf("TTS = %T, want *resilience.TTSFallback", ps.TTS)
	}
	if _, ok := ps.Generator.(*resilience.ReplyFallback); !ok {
		t.Errorf("Generator = %T, want *resilience.ReplyFallback", ps.Generator)
	}
	if calls["stt"] != 3 || calls["tts"] != 2 || calls["generator"] != 2 {
		t.Errorf("factory calls = %v", calls)
	}

	states := ps.Breakers["stt"]
	if states == nil {
		t.Fatal("no breaker states for stt")
	}
	got := states()
	for _, name := range []string{"stub", "stub#1", "stub#2"} {
		if s, ok := got[name]; !ok || s != resilience.StateClosed {
			t.Errorf("breaker %q = %v (present %v), want closed", name, s, ok)
		}
	}
}

func TestBuildProviders_LLMBacked(t *testing.T) {
	t.Parallel()
	reg, calls := stubRegistry(t)

	cfg := stubProvidersConfig()
	cfg.LLM = config.ProviderEntry{Name: "stub"}
	cfg.Classifier = config.ProviderEntry{Name: "llm"}
	cfg.Generator = config.ProviderEntry{Name: "llm", Options: map[string]any{"temperature": 0.2}}

	ps, err := app.BuildProviders(cfg, reg, discardLogger())
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.LLM == nil || ps.Classifier == nil || ps.Generator == nil {
		t.Fatalf("llm-backed providers missing: %+v", ps)
	}
	if calls["llm"] != 1 {
		t.Errorf("llm factory called %d times, want 1 shared instance", calls["llm"])
	}
	if calls["generator"] != 0 || calls["classifier"] != 0 {
		t.Errorf("stub factories should not be used, calls %v", calls)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name   string
		mutate func(*config.ProvidersConfig, *config.Registry)
		want   error
	}{
		{
			name:   "unknown stt",
			mutate: func(c *config.ProvidersConfig, _ *config.Registry) { c.STT.Name = "nope" },
			want:   config.ErrProviderNotRegistered,
		},
		{
			name:   "unknown vad",
			mutate: func(c *config.ProvidersConfig, _ *config.Registry) { c.VAD.Name = "nope" },
			want:   config.ErrProviderNotRegistered,
		},
		{
			name: "failing fallback",
			mutate: func(c *config.ProvidersConfig, r *config.Registry) {
				r.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, boom })
				c.TTS.Fallbacks = []config.ProviderEntry{{Name: "broken"}}
			},
			want: boom,
		},
		{
			name: "failing classifier",
			mutate: func(c *config.ProvidersConfig, r *config.Registry) {
				r.RegisterClassifier("broken", func(config.ProviderEntry) (turn.Classifier, error) { return nil, boom })
				c.Classifier.Name = "broken"
			},
			want: boom,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg, _ := stubRegistry(t)
			cfg := stubProvidersConfig()
			tt.mutate(&cfg, reg)
			_, err := app.BuildProviders(cfg, reg, discardLogger())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	if _, err := reg.CreateTranscoder(config.ProviderEntry{Name: "native"}); err != nil {
		t.Errorf("native transcoder: %v", err)
	}
	if _, err := reg.CreateTranscoder(config.ProviderEntry{Name: "auto"}); err != nil {
		t.Errorf("auto transcoder: %v", err)
	}
	if _, err := reg.CreateClassifier(config.ProviderEntry{Name: "heuristic", Options: map[string]any{"min_words": 2}}); err != nil {
		t.Errorf("heuristic classifier: %v", err)
	}
	if _, err := reg.CreateGenerator(config.ProviderEntry{Name: "remote", BaseURL: "http://localhost/reply"}); err != nil {
		t.Errorf("remote generator: %v", err)
	}
	// Registered only once an LLM exists.
	if _, err := reg.CreateGenerator(config.ProviderEntry{Name: "llm"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("llm generator before BuildProviders: err = %v", err)
	}
}
