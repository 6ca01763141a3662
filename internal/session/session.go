package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/transcript"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// ErrPipeline is reported when the audio pipeline of a session (transcoder
// or segmenter) fails. It terminates the session.
var ErrPipeline = errors.New("session: audio pipeline failed")

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// EventType names an event sent to the caller's client.
type EventType string

// Event types.
const (
	EventTranscript EventType = "transcript"
	EventReply      EventType = "reply"
	EventStatus     EventType = "status"
	EventError      EventType = "error"
)

// Error codes carried by [EventError] events.
const (
	CodeTranscriptionUnavailable = "transcription_unavailable"
	CodePipelineFailure          = "pipeline_failure"
	CodeCapacity                 = "capacity"
	CodeInternal                 = "internal"
)

// Event is a non-audio message for the caller's client.
type Event struct {
	Type EventType `json:"type"`

	// Text is the transcript, reply or error message.
	Text string `json:"text,omitempty"`

	// IsFinal distinguishes final from interim transcripts.
	IsFinal bool `json:"is_final,omitempty"`

	// Channel is the channel a reply was delivered on.
	Channel reply.Channel `json:"channel,omitempty"`

	// LatencyMS is the generation latency of a reply.
	LatencyMS int64 `json:"latency_ms,omitempty"`

	// Fallback marks replies that replaced a failed generation or synthesis.
	Fallback bool `json:"fallback,omitempty"`

	// Status is set on [EventStatus] events.
	Status string `json:"status,omitempty"`

	// Code classifies [EventError] events.
	Code string `json:"code,omitempty"`
}

// Transport is the connection a session talks to the caller through.
// Implementations must be safe for concurrent use.
type Transport interface {
	AudioSink

	// SendEvent delivers a non-audio event. Transports that cannot display
	// events may drop them.
	SendEvent(ev Event) error

	// Close terminates the connection. It is safe to call more than once.
	Close() error
}

// StartInfo describes a new call as announced by the transport.
type StartInfo struct {
	// ID identifies the session. A random UUID is used when empty.
	ID string

	// InputFormat is the format of the media payloads the caller sends.
	InputFormat audio.Format

	// WireFormat is the format outbound audio must be delivered in.
	WireFormat audio.Format

	// TextCapable is true when the client can display text replies.
	TextCapable bool

	// Greet asks the session to speak the configured greeting on start.
	Greet bool

	// CallerID identifies the caller across calls. When set and a store is
	// configured, the session resumes from the caller's latest stored turns.
	CallerID string

	// Metadata carries transport-specific details (caller number, call id).
	Metadata map[string]string
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	STT        stt.Provider
	Segmenter  vad.Segmenter
	Transcoder audio.Transcoder

	// Classifier may be nil, in which case every final completes a turn.
	Classifier turn.Classifier
	Generator  reply.Generator
	TTS        tts.Provider

	// Store may be nil.
	Store memory.TranscriptStore

	// Metrics may be nil.
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Latencies are the last observed latencies of one session.
type Latencies struct {
	// STT is the time from the end of speech to its final transcript.
	STT time.Duration

	// Generation is the time spent generating the last reply.
	Generation time.Duration

	// Synthesis is the time spent rendering the last reply audio.
	Synthesis time.Duration
}

// hooks let the registry observe a session without the session knowing
// about the registry.
type hooks struct {
	onLatency func(stage string, d time.Duration)
	onFatal   func(s *Session, err error)
	onClose   func(s *Session)
}

// Session is one live call: it feeds caller audio through the transcoder,
// segmenter and transcription channel, aggregates transcripts into turns,
// dispatches them and plays the replies back.
//
// All exported methods are safe for concurrent use.
type Session struct {
	id        string
	info      StartInfo
	cfg       Config
	transport Transport
	metrics   *observe.Metrics
	log       *slog.Logger
	hooks     hooks
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	history       *History
	transcription *TranscriptionChannel
	aggregator    *TurnAggregator
	dispatcher    *Dispatcher
	outbound      *Outbound
	vocabulary    *transcript.Corrector // nil without vocabulary

	pipeW    *io.PipeWriter
	decoded  *audio.Stream
	segments vad.Stream

	// closers are called in reverse order during Close.
	closers []func() error

	lastActive atomic.Int64

	latMu   sync.Mutex
	latency Latencies

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New starts a session for info talking through t. The session runs until
// ctx is cancelled, Close is called or its pipeline fails.
func New(ctx context.Context, info StartInfo, t Transport, cfg Config, deps Deps) (*Session, error) {
	return newSession(ctx, info, t, cfg, deps, hooks{})
}

func newSession(ctx context.Context, info StartInfo, t Transport, cfg Config, deps Deps, hk hooks) (*Session, error) {
	if t == nil {
		return nil, errors.New("session: transport is required")
	}
	if deps.STT == nil || deps.Segmenter == nil || deps.Transcoder == nil || deps.Generator == nil {
		return nil, errors.New("session: stt, segmenter, transcoder and generator are required")
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.WireFormat == (audio.Format{}) {
		info.WireFormat = info.InputFormat
	}
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", info.ID)

	s := &Session{
		id:        info.ID,
		info:      info,
		cfg:       cfg,
		transport: t,
		metrics:   deps.Metrics,
		log:       log,
		hooks:     hk,
		createdAt: time.Now(),
		history:   NewHistory(cfg.MaxHistory),
		done:      make(chan struct{}),
	}
	if len(cfg.Vocabulary) > 0 {
		s.vocabulary = transcript.NewCorrector(cfg.Vocabulary)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.touch()

	if err := s.startPipeline(deps); err != nil {
		s.cancel()
		s.runClosers()
		return nil, err
	}

	classifier := deps.Classifier
	if classifier != nil && deps.Metrics != nil {
		classifier = &timedClassifier{Classifier: classifier, metrics: deps.Metrics}
	}
	store := NewMemoryGuard(deps.Store)
	s.resume(store)
	s.dispatcher = NewDispatcher(s.id, info.CallerID, deps.Generator, s.history, store, cfg.Response, deps.Metrics, log)
	s.outbound = NewOutbound(info.WireFormat, deps.TTS, deps.Transcoder, cfg.Outbound, cfg.Response, deps.Metrics, log)
	s.aggregator = NewTurnAggregator(classifier, s.history, s.respond, cfg.Turn, log)

	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		s.aggregator.Run(s.ctx)
	}()
	go s.decodeLoop()
	go s.segmentLoop()
	go s.transcriptLoop()

	go func() {
		<-s.ctx.Done()
		s.Close()
	}()

	if info.Greet && cfg.Response.Greeting != "" {
		s.wg.Add(1)
		go s.greet(cfg.Response.Greeting)
	}

	log.Info("session started",
		"input_format", info.InputFormat.String(),
		"wire_format", info.WireFormat.String(),
		"text_capable", info.TextCapable,
	)
	return s, nil
}

// resume seeds the history with the caller's latest stored turns.
func (s *Session) resume(store *MemoryGuard) {
	if s.info.CallerID == "" {
		return
	}
	recs, _ := store.Recent(s.ctx, s.info.CallerID, s.cfg.MaxHistory)
	for _, r := range recs {
		s.history.Append(Entry{Speaker: r.Speaker, Text: r.Text, At: r.At})
	}
	if len(recs) > 0 {
		s.log.Info("history resumed", "caller_id", s.info.CallerID, "turns", len(recs))
	}
}

// startPipeline wires transport audio into the transcoder, the transcoder
// into the segmenter, and opens the transcription channel.
func (s *Session) startPipeline(deps Deps) error {
	pr, pw := io.Pipe()
	s.pipeW = pw
	s.closers = append(s.closers, pw.Close)

	decoded, err := deps.Transcoder.Transcode(s.ctx, pr, s.info.InputFormat, s.cfg.SpeechFormat)
	if err != nil {
		_ = pr.Close()
		return fmt.Errorf("%w: start transcoder: %w", ErrPipeline, err)
	}
	s.decoded = decoded
	s.closers = append(s.closers, func() error {
		err := decoded.Close()
		_ = pr.Close()
		return err
	})

	segments, err := deps.Segmenter.Start(s.ctx, vad.Config{
		SampleRate: s.cfg.SpeechFormat.SampleRate,
		Threshold:  s.cfg.VADThreshold,
		Logger:     s.log,
	})
	if err != nil {
		return fmt.Errorf("%w: start segmenter: %w", ErrPipeline, err)
	}
	s.segments = segments
	s.closers = append(s.closers, segments.Close)

	s.transcription = NewTranscriptionChannel(deps.STT, s.cfg.SpeechFormat, s.cfg.Transcription, deps.Metrics, s.log)
	if err := s.transcription.Open(s.ctx); err != nil {
		return err
	}
	s.closers = append(s.closers, s.transcription.Close)
	return nil
}

// decodeLoop forwards transcoded speech to the segmenter.
func (s *Session) decodeLoop() {
	defer s.wg.Done()
	for chunk := range s.decoded.Chunks() {
		if _, err := s.segments.Write(chunk); err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("%w: segmenter write: %w", ErrPipeline, err))
			}
			return
		}
	}
	if err := s.decoded.Wait(); err != nil && s.ctx.Err() == nil {
		s.fail(fmt.Errorf("%w: %w", ErrPipeline, err))
	}
}

// segmentLoop forwards speech to the transcription channel and drives the
// turn aggregator and barge-in from segmenter events.
func (s *Session) segmentLoop() {
	defer s.wg.Done()
	size := s.cfg.Transcription.SendChunkBytes
	buf := make([]byte, 0, size)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		_ = s.transcription.Send(buf)
		buf = make([]byte, 0, size)
	}

	for ev := range s.segments.Events() {
		switch ev.Type {
		case vad.SpeechStart:
			s.touch()
			s.aggregator.SpeechStart()
			s.outbound.BargeIn(s.ctx)
		case vad.AudioChunk:
			buf = append(buf, ev.Audio...)
			if len(buf) >= size {
				flush()
			}
			s.aggregator.Activity()
		case vad.SpeechEnd:
			flush()
			if err := s.transcription.Flush(); err != nil {
				s.log.Debug("transcription flush failed", "err", err)
			}
			s.aggregator.SpeechEnd()
		}
	}
	if s.ctx.Err() != nil {
		return
	}
	err := s.segments.Err()
	if err == nil {
		err = errors.New("stream ended")
	}
	s.fail(fmt.Errorf("%w: segmenter: %w", ErrPipeline, err))
}

// transcriptLoop relays transcripts to the caller and the aggregator.
func (s *Session) transcriptLoop() {
	defer s.wg.Done()
	for ev := range s.transcription.Events() {
		s.touch()
		text := s.correct(ev.Text, ev.IsFinal)
		s.sendEvent(Event{Type: EventTranscript, Text: text, IsFinal: ev.IsFinal})
		if !ev.IsFinal {
			s.aggregator.Interim(text)
			continue
		}
		if ev.Latency > 0 {
			s.observeLatency("stt", ev.Latency)
			if s.metrics != nil {
				s.metrics.STTDuration.Record(s.ctx, ev.Latency.Seconds())
			}
		}
		s.aggregator.Final(text)
	}
	if err := s.transcription.Err(); err != nil && s.ctx.Err() == nil {
		s.fail(err)
	}
}

// correct applies the vocabulary corrector to a transcript.
func (s *Session) correct(text string, final bool) string {
	if s.vocabulary == nil {
		return text
	}
	fixed, corrections := s.vocabulary.Correct(text)
	if final {
		for _, c := range corrections {
			s.log.Debug("transcript corrected", "original", c.Original, "corrected", c.Corrected, "confidence", c.Confidence)
		}
	}
	return fixed
}

// respond is the aggregator's dispatch function.
func (s *Session) respond(ctx context.Context, t Turn) <-chan struct{} {
	if s.metrics != nil {
		s.metrics.RecordTurn(ctx, string(t.Channel))
	}
	r := s.dispatcher.Dispatch(ctx, t.Text, t.Channel)
	s.observeLatency("generation", r.Latency)

	ev := Event{
		Type:      EventReply,
		Text:      r.Text,
		Channel:   r.Channel,
		LatencyMS: r.Latency.Milliseconds(),
		Fallback:  r.Fallback,
	}
	if r.Channel == reply.ChannelText && s.info.TextCapable {
		s.sendEvent(ev)
		return nil
	}

	speakStart := time.Now()
	h, err := s.outbound.Speak(ctx, r.Text, s.transport, nil)
	s.observeLatency("synthesis", time.Since(speakStart))
	ev.Channel = reply.ChannelAudio
	if err != nil {
		s.log.Warn("reply audio unavailable", "err", err, "seq", t.Seq)
		if s.info.TextCapable {
			ev.Channel = reply.ChannelText
			ev.Fallback = true
		}
	}
	s.sendEvent(ev)
	if h == nil {
		return nil
	}
	return h.Done()
}

// greet speaks the greeting. A failed greeting is logged and skipped.
func (s *Session) greet(text string) {
	defer s.wg.Done()
	pcm, err := s.outbound.Render(s.ctx, text)
	if err != nil {
		s.log.Warn("greeting synthesis failed", "err", err)
		return
	}
	s.history.Append(Entry{Speaker: memory.SpeakerAssistant, Text: text})
	s.sendEvent(Event{Type: EventReply, Text: text, Channel: reply.ChannelAudio})
	s.outbound.Stream(s.ctx, pcm, s.transport, nil)
}

// HandleMedia feeds one payload of caller audio in the session's input
// format. It blocks while the transcoder applies backpressure, at most for
// the media write timeout; a longer stall fails the session.
func (s *Session) HandleMedia(payload []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.touch()
	stall := time.AfterFunc(s.cfg.MediaWriteTimeout, func() {
		err := fmt.Errorf("%w: media write stalled for %v", ErrPipeline, s.cfg.MediaWriteTimeout)
		s.fail(err)
		_ = s.pipeW.CloseWithError(err)
	})
	_, err := s.pipeW.Write(payload)
	stall.Stop()
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return fmt.Errorf("session: write media: %w", err)
	}
	return nil
}

// HandleChat submits a typed message. It becomes a text-channel turn
// without going through the classifier.
func (s *Session) HandleChat(text string) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	s.touch()
	s.aggregator.Chat(text)
	return nil
}

// KeepAlive sends a transcription keep-alive if the channel has been idle.
func (s *Session) KeepAlive(now time.Time) bool {
	return s.transcription.KeepAliveIfIdle(now)
}

// Close tears the session down: it cancels playback and in-flight work,
// closes the transcription channel, stops the transcoder and segmenter and
// closes the transport. Safe to call more than once; later calls wait for
// the first to finish.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.outbound.Stop()
		s.runClosers()
		s.wg.Wait()
		_ = s.transport.Close()
		if s.hooks.onClose != nil {
			s.hooks.onClose(s)
		}
		s.log.Info("session closed", "duration", time.Since(s.createdAt).Round(time.Millisecond))
		close(s.done)
	})
	<-s.done
	return nil
}

func (s *Session) runClosers() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Debug("session resource close failed", "err", err)
		}
	}
	s.closers = nil
}

// fail records a fatal error, tells the caller and tears the session down.
func (s *Session) fail(err error) {
	s.errMu.Lock()
	first := s.err == nil
	if first {
		s.err = err
	}
	s.errMu.Unlock()
	if !first {
		return
	}

	code := errorCode(err)
	s.log.Error("session failed", "err", err, "code", code)
	s.sendEvent(Event{Type: EventError, Code: code, Text: err.Error()})
	if s.metrics != nil {
		s.metrics.RecordSessionError(context.WithoutCancel(s.ctx), code)
	}
	if s.hooks.onFatal != nil {
		s.hooks.onFatal(s, err)
	}
	go s.Close()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrTranscriptionExhausted):
		return CodeTranscriptionUnavailable
	case errors.Is(err, ErrPipeline):
		return CodePipelineFailure
	case errors.Is(err, ErrRegistryFull):
		return CodeCapacity
	}
	return CodeInternal
}

func (s *Session) sendEvent(ev Event) {
	if err := s.transport.SendEvent(ev); err != nil {
		s.log.Debug("send event failed", "type", ev.Type, "err", err)
	}
}

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

func (s *Session) observeLatency(stage string, d time.Duration) {
	if d <= 0 {
		return
	}
	s.latMu.Lock()
	switch stage {
	case "stt":
		s.latency.STT = d
	case "generation":
		s.latency.Generation = d
	case "synthesis":
		s.latency.Synthesis = d
	}
	s.latMu.Unlock()
	if s.hooks.onLatency != nil {
		s.hooks.onLatency(stage, d)
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Info returns the start information the session was created with.
func (s *Session) Info() StartInfo { return s.info }

// CreatedAt returns when the session started.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActive returns when caller audio, chat or a transcript was last seen.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// State returns the turn state.
func (s *Session) State() TurnState { return s.aggregator.State() }

// IsResponding reports whether reply audio is being played.
func (s *Session) IsResponding() bool { return s.outbound.IsStreaming() }

// History returns a copy of the conversation so far.
func (s *Session) History() []Entry { return s.history.Entries() }

// Latency returns the last observed latencies.
func (s *Session) Latency() Latencies {
	s.latMu.Lock()
	defer s.latMu.Unlock()
	return s.latency
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fatal error that ended the session, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// timedClassifier records classifier latency.
type timedClassifier struct {
	turn.Classifier
	metrics *observe.Metrics
}

func (c *timedClassifier) EndOfTurn(ctx context.Context, messages []llm.Message) (bool, error) {
	start := time.Now()
	done, err := c.Classifier.EndOfTurn(ctx, messages)
	c.metrics.ClassifierDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, "classifier", "end_of_turn")
	}
	c.metrics.RecordProviderRequest(ctx, "classifier", "end_of_turn", status)
	return done, err
}
