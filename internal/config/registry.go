package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is a name-keyed factory table for one provider kind.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

func (f factories[T]) create(mu *sync.RWMutex, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := f.m[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        factories[llm.Provider]
	stt        factories[stt.Provider]
	tts        factories[tts.Provider]
	classifier factories[turn.Classifier]
	generator  factories[reply.Generator]
	vad        factories[vad.Segmenter]
	transcoder factories[audio.Transcoder]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        newFactories[llm.Provider]("llm"),
		stt:        newFactories[stt.Provider]("stt"),
		tts:        newFactories[tts.Provider]("tts"),
		classifier: newFactories[turn.Classifier]("classifier"),
		generator:  newFactories[reply.Generator]("generator"),
		vad:        newFactories[vad.Segmenter]("vad"),
		transcoder: newFactories[audio.Transcoder]("transcoder"),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = factory
}

// RegisterClassifier registers an end-of-turn classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory Factory[turn.Classifier]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier.m[name] = factory
}

// RegisterGenerator registers a reply generator factory under name.
func (r *Registry) RegisterGenerator(name string, factory Factory[reply.Generator]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generator.m[name] = factory
}

// RegisterVAD registers a speech segmenter factory under name.
func (r *Registry) RegisterVAD(name string, factory Factory[vad.Segmenter]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad.m[name] = factory
}

// RegisterTranscoder registers an audio transcoder factory under name.
func (r *Registry) RegisterTranscoder(name string, factory Factory[audio.Transcoder]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcoder.m[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(&r.mu, entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(&r.mu, entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(&r.mu, entry)
}

// CreateClassifier instantiates an end-of-turn classifier.
func (r *Registry) CreateClassifier(entry ProviderEntry) (turn.Classifier, error) {
	return r.classifier.create(&r.mu, entry)
}

// CreateGenerator instantiates a reply generator.
func (r *Registry) CreateGenerator(entry ProviderEntry) (reply.Generator, error) {
	return r.generator.create(&r.mu, entry)
}

// CreateVAD instantiates a speech segmenter.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Segmenter, error) {
	return r.vad.create(&r.mu, entry)
}

// CreateTranscoder instantiates an audio transcoder.
func (r *Registry) CreateTranscoder(entry ProviderEntry) (audio.Transcoder, error) {
	return r.transcoder.create(&r.mu, entry)
}
