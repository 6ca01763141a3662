package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// AudioSink is the transport side of an outbound stream.
type AudioSink interface {
	// SendAudio delivers one chunk of wire-format audio.
	SendAudio(chunk []byte) error

	// Clear tells the far end to drop audio it has buffered but not yet
	// played.
	Clear() error
}

// StreamResult summarises a finished outbound stream.
type StreamResult struct {
	// Sent is the number of chunks delivered to the sink.
	Sent int

	// Total is the number of chunks the audio was split into.
	Total int

	// Cancelled is true when the stream was stopped before its end.
	Cancelled bool

	// Err is the sink error that ended the stream, if any.
	Err error
}

// StreamHandle controls one outbound stream.
type StreamHandle struct {
	cancel        context.CancelFunc
	done          chan struct{}
	sink          AudioSink
	silence       []byte
	silenceChunks int
	total         int

	mu        sync.Mutex
	sent      int
	cancelled bool
	finished  bool
	err       error
}

// Cancel stops the stream. Once it returns no further chunk of the stream
// is sent; the sink is told to clear its buffer and receives the configured
// run of silence chunks. Cancel is safe for concurrent use and idempotent.
// It reports whether this call stopped a running stream.
func (h *StreamHandle) Cancel() bool { return h.stop(true) }

func (h *StreamHandle) stop(flush bool) bool {
	h.mu.Lock()
	if h.cancelled || h.finished {
		h.mu.Unlock()
		return false
	}
	h.cancelled = true
	h.mu.Unlock()

	h.cancel()
	if flush {
		_ = h.sink.Clear()
		for range h.silenceChunks {
			if err := h.sink.SendAudio(h.silence); err != nil {
				break
			}
		}
	}
	return true
}

// Done is closed when the stream has ended for any reason.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

// Sent returns the number of chunks delivered so far.
func (h *StreamHandle) Sent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

// send delivers chunk unless the stream was cancelled.
func (h *StreamHandle) send(chunk []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	if err := h.sink.SendAudio(chunk); err != nil {
		h.err = err
		h.finished = true
		return false
	}
	h.sent++
	return true
}

func (h *StreamHandle) finish() StreamResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	return StreamResult{Sent: h.sent, Total: h.total, Cancelled: h.cancelled, Err: h.err}
}

// Outbound plays synthesized replies to the caller. It keeps at most one
// stream running per session, paces chunks at real time and cancels the
// running stream when the caller barges in.
//
// All methods are safe for concurrent use.
type Outbound struct {
	wire         audio.Format
	cfg          OutboundConfig
	synth        tts.Provider
	transcoder   audio.Transcoder
	voice        tts.VoiceProfile
	synthTimeout time.Duration
	apology      string
	metrics      *observe.Metrics
	log          *slog.Logger
	now          func() time.Time

	mu           sync.Mutex
	active       *StreamHandle
	lastBargeIn  time.Time
	apologyAudio []byte
}

// NewOutbound returns a streamer producing audio in the wire format.
// metrics may be nil.
func NewOutbound(wire audio.Format, synth tts.Provider, tr audio.Transcoder, cfg OutboundConfig, resp ResponseConfig, metrics *observe.Metrics, log *slog.Logger) *Outbound {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = defaultChunkDuration
	}
	if cfg.BargeInCooldown <= 0 {
		cfg.BargeInCooldown = defaultBargeInCooldown
	}
	if resp.SynthesisTimeout <= 0 {
		resp.SynthesisTimeout = defaultSynthesisTimeout
	}
	if resp.Apology == "" {
		resp.Apology = defaultApology
	}
	return &Outbound{
		wire:         wire,
		cfg:          cfg,
		synth:        synth,
		transcoder:   tr,
		voice:        resp.Voice,
		synthTimeout: resp.SynthesisTimeout,
		apology:      resp.Apology,
		metrics:      metrics,
		log:          log,
		now:          time.Now,
	}
}

// ChunkBytes returns the size of one outbound chunk in the wire format.
func (o *Outbound) ChunkBytes() int { return o.wire.ChunkSize(o.cfg.ChunkDuration) }

// Render synthesizes text and converts it to the wire format.
func (o *Outbound) Render(ctx context.Context, text string) ([]byte, error) {
	if o.synth == nil {
		return nil, errors.New("session: no speech synthesizer configured")
	}
	ctx, cancel := context.WithTimeout(ctx, o.synthTimeout)
	defer cancel()

	start := time.Now()
	raw, err := o.synth.Synthesize(ctx, text, o.voice)
	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			o.metrics.RecordProviderError(ctx, "tts", "synthesis")
		} else {
			o.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
		}
		o.metrics.RecordProviderRequest(ctx, "tts", "synthesis", status)
	}
	if err != nil {
		return nil, fmt.Errorf("session: synthesize: %w", err)
	}

	from := o.synth.Format()
	if from == o.wire {
		return raw, nil
	}
	out, err := o.transcoder.TranscodeBuffer(ctx, raw, from, o.wire)
	if err != nil {
		return nil, fmt.Errorf("session: transcode reply: %w", err)
	}
	return out, nil
}

// Speak renders text and streams it to sink. If text cannot be rendered,
// the apology is played instead and the rendering error is returned along
// with the apology's handle. The handle is nil only when nothing could be
// played.
func (o *Outbound) Speak(ctx context.Context, text string, sink AudioSink, onDone func(StreamResult)) (*StreamHandle, error) {
	pcm, err := o.Render(ctx, text)
	if err == nil {
		return o.Stream(ctx, pcm, sink, onDone), nil
	}
	o.log.Warn("reply synthesis failed, playing apology", "err", err)

	apology, aerr := o.renderApology(ctx)
	if aerr != nil {
		o.log.Error("apology synthesis failed", "err", aerr)
		return nil, errors.Join(err, aerr)
	}
	return o.Stream(ctx, apology, sink, onDone), err
}

// renderApology renders the apology once and reuses the audio afterwards.
func (o *Outbound) renderApology(ctx context.Context) ([]byte, error) {
	o.mu.Lock()
	cached := o.apologyAudio
	o.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	pcm, err := o.Render(ctx, o.apology)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.apologyAudio = pcm
	o.mu.Unlock()
	return pcm, nil
}

// Stream plays pcm, which must already be in the wire format, to sink in
// chunks of the configured duration, one chunk per tick. A stream that is
// already running is stopped first. onDone, if non-nil, is called once
// when the stream ends, before Done is closed.
func (o *Outbound) Stream(ctx context.Context, pcm []byte, sink AudioSink, onDone func(StreamResult)) *StreamHandle {
	size := o.ChunkBytes()
	if size <= 0 {
		size = max(len(pcm), 1)
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &StreamHandle{
		cancel:        cancel,
		done:          make(chan struct{}),
		sink:          sink,
		silence:       o.wire.Silence(size),
		silenceChunks: o.cfg.SilenceChunks,
		total:         (len(pcm) + size - 1) / size,
	}

	o.mu.Lock()
	prev := o.active
	o.active = h
	o.mu.Unlock()
	if prev != nil {
		prev.stop(false)
	}

	go o.pace(ctx, h, pcm, size, onDone)
	return h
}

func (o *Outbound) pace(ctx context.Context, h *StreamHandle, pcm []byte, size int, onDone func(StreamResult)) {
	defer func() {
		h.cancel()
		res := h.finish()
		o.mu.Lock()
		if o.active == h {
			o.active = nil
		}
		o.mu.Unlock()
		if onDone != nil {
			onDone(res)
		}
		close(h.done)
	}()

	ticker := time.NewTicker(o.cfg.ChunkDuration)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += size {
		if off > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if !h.send(pcm[off:min(off+size, len(pcm))]) {
			return
		}
	}
}

// IsStreaming reports whether a stream is running.
func (o *Outbound) IsStreaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// BargeIn cancels the running stream because the caller started speaking.
// Triggers within the cooldown of the previous barge-in are ignored. It
// reports whether a stream was cancelled.
func (o *Outbound) BargeIn(ctx context.Context) bool {
	o.mu.Lock()
	h := o.active
	now := o.now()
	if h == nil || (!o.lastBargeIn.IsZero() && now.Sub(o.lastBargeIn) < o.cfg.BargeInCooldown) {
		o.mu.Unlock()
		return false
	}
	o.lastBargeIn = now
	o.mu.Unlock()

	if !h.Cancel() {
		return false
	}
	if o.metrics != nil {
		o.metrics.BargeIns.Add(ctx, 1)
	}
	o.log.Info("caller barged in, reply cancelled", "chunks_sent", h.Sent(), "chunks_total", h.total)
	return true
}

// Stop ends the running stream without clearing the sink. Used on session
// teardown.
func (o *Outbound) Stop() {
	o.mu.Lock()
	h := o.active
	o.mu.Unlock()
	if h != nil {
		h.stop(false)
		<-h.done
	}
}
