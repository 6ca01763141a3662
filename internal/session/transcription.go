package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// ErrTranscriptionExhausted is reported when the transcription connection
// could not be reopened within the reconnect policy.
var ErrTranscriptionExhausted = errors.New("session: transcription reconnect attempts exhausted")

// errRemoteClosed stands in for a nil cause when the provider closed the
// stream without reporting an error.
var errRemoteClosed = errors.New("closed by remote")

// TranscriptEvent is a transcript forwarded by a [TranscriptionChannel].
type TranscriptEvent struct {
	stt.Transcript

	// Latency is the time between the last Flush and this final. It is
	// zero for interims and for finals not preceded by a Flush.
	Latency time.Duration
}

// InterimFilter decides which interim transcripts are worth forwarding.
// An interim passes only if its confidence reaches the threshold, the
// minimum interval since the last forwarded interim has elapsed, and its
// text differs from the last forwarded interim.
//
// InterimFilter is not safe for concurrent use; each channel owns one.
type InterimFilter struct {
	cfg    InterimConfig
	last   string
	lastAt time.Time
}

// NewInterimFilter returns a filter using cfg. Zero fields select the
// defaults.
func NewInterimFilter(cfg InterimConfig) *InterimFilter {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = defaultInterimConfidence
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultInterimInterval
	}
	return &InterimFilter{cfg: cfg}
}

// Allow reports whether t should be forwarded at now and, if so, remembers
// it as the last forwarded interim.
func (f *InterimFilter) Allow(t stt.Transcript, now time.Time) bool {
	text := strings.TrimSpace(t.Text)
	if text == "" || t.Confidence < f.cfg.MinConfidence {
		return false
	}
	if !f.lastAt.IsZero() && now.Sub(f.lastAt) < f.cfg.MinInterval {
		return false
	}
	if text == f.last {
		return false
	}
	f.last = text
	f.lastAt = now
	return true
}

// Reset forgets the last forwarded interim. Called when a final arrives.
func (f *InterimFilter) Reset() {
	f.last = ""
	f.lastAt = time.Time{}
}

// TranscriptionChannel is a session's connection to the streaming
// transcription service. It forwards filtered interims and all finals on
// Events, reopens the connection after unexpected closes according to its
// [ReconnectPolicy], and closes Events with [ErrTranscriptionExhausted] set
// once the policy gives up.
//
// Send, Flush, KeepAliveIfIdle and Close are safe for concurrent use.
type TranscriptionChannel struct {
	provider stt.Provider
	stream   stt.StreamConfig
	cfg      TranscriptionConfig
	metrics  *observe.Metrics
	log      *slog.Logger
	filter   *InterimFilter
	now      func() time.Time

	events    chan TranscriptEvent
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	handle    stt.SessionHandle
	opened    bool
	closed    bool
	lastSent  time.Time
	flushedAt time.Time
	err       error
}

// NewTranscriptionChannel returns an unopened channel that will stream audio
// of the given PCM format to p. metrics may be nil.
func NewTranscriptionChannel(p stt.Provider, format audio.Format, cfg TranscriptionConfig, metrics *observe.Metrics, log *slog.Logger) *TranscriptionChannel {
	if log == nil {
		log = slog.Default()
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAlive
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()
	return &TranscriptionChannel{
		provider: p,
		stream: stt.StreamConfig{
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Language:   cfg.Language,
		},
		cfg:     cfg,
		metrics: metrics,
		log:     log,
		filter:  NewInterimFilter(cfg.Interim),
		now:     time.Now,
		events:  make(chan TranscriptEvent, 32),
	}
}

// Open connects to the transcription service and starts forwarding
// transcripts. The connection lives until ctx is cancelled or Close is
// called. A failed first connection is returned as an error and not retried.
func (c *TranscriptionChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()
		return errors.New("session: transcription channel already opened")
	}
	c.opened = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	h, err := c.provider.StartStream(c.ctx, c.stream)
	if err != nil {
		c.cancel()
		close(c.events)
		return fmt.Errorf("session: open transcription: %w", err)
	}
	c.setHandle(h)

	c.wg.Add(1)
	go c.run(h)
	return nil
}

// Events returns forwarded transcripts. The channel is closed when the
// transcription channel is closed or exhausted; check Err to tell which.
func (c *TranscriptionChannel) Events() <-chan TranscriptEvent { return c.events }

// Err returns [ErrTranscriptionExhausted] (wrapped with the last cause)
// once the reconnect policy has given up, and nil otherwise.
func (c *TranscriptionChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send delivers a chunk of speech audio. Audio sent while the connection is
// being reopened is dropped.
func (c *TranscriptionChannel) Send(chunk []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return stt.ErrClosed
	}
	h := c.handle
	c.lastSent = c.now()
	c.mu.Unlock()

	if h == nil {
		c.log.Debug("transcription reconnecting, dropping audio", "bytes", len(chunk))
		return nil
	}
	if err := h.SendAudio(chunk); err != nil {
		c.log.Debug("transcription send failed", "err", err)
	}
	return nil
}

// Flush asks the service to finalize everything sent so far.
func (c *TranscriptionChannel) Flush() error {
	c.mu.Lock()
	h := c.handle
	if h != nil {
		c.flushedAt = c.now()
	}
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Finalize(); err != nil {
		return fmt.Errorf("session: flush transcription: %w", err)
	}
	return nil
}

// KeepAliveIfIdle sends a keep-alive when no audio or keep-alive has been
// sent for the configured interval. It reports whether one was sent.
func (c *TranscriptionChannel) KeepAliveIfIdle(now time.Time) bool {
	c.mu.Lock()
	h := c.handle
	if h == nil || now.Sub(c.lastSent) < c.cfg.KeepAliveInterval {
		c.mu.Unlock()
		return false
	}
	c.lastSent = now
	c.mu.Unlock()

	if err := h.KeepAlive(); err != nil {
		c.log.Debug("transcription keep-alive failed", "err", err)
		return false
	}
	return true
}

// Close releases the connection and stops forwarding. Safe to call more
// than once.
func (c *TranscriptionChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancel
		h := c.handle
		c.handle = nil
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if h != nil {
			err = h.Close()
		}
		c.wg.Wait()
	})
	return err
}

func (c *TranscriptionChannel) setHandle(h stt.SessionHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
	if h != nil {
		c.lastSent = c.now()
	}
}

// run forwards transcripts from h and reopens it after unexpected closes.
func (c *TranscriptionChannel) run(h stt.SessionHandle) {
	defer c.wg.Done()
	defer close(c.events)

	state := newReconnectState(c.cfg.Reconnect)
	for {
		c.pump(h)
		if c.ctx.Err() != nil {
			return
		}

		cause := h.Err()
		if cause == nil {
			cause = errRemoteClosed
		}
		c.setHandle(nil)
		_ = h.Close()
		c.log.Warn("transcription connection closed unexpectedly", "err", cause)

		if h = c.reopen(state, cause); h == nil {
			return
		}
	}
}

// reopen retries the connection until it succeeds, the policy is exhausted
// or the channel is closed. It returns nil in the latter two cases.
func (c *TranscriptionChannel) reopen(state *reconnectState, cause error) stt.SessionHandle {
	lastErr := cause
	for {
		attempt, ok := state.next()
		if !ok {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %d attempts, last error: %v", ErrTranscriptionExhausted, state.policy.MaxAttempts, lastErr)
			c.mu.Unlock()
			c.log.Error("transcription reconnect failed after max attempts",
				"max_attempts", state.policy.MaxAttempts,
				"err", lastErr,
			)
			return nil
		}
		if !state.wait(c.ctx) {
			return nil
		}

		c.log.Info("attempting transcription reconnect",
			"attempt", attempt,
			"max_attempts", state.policy.MaxAttempts,
		)
		h, err := c.provider.StartStream(c.ctx, c.stream)
		c.recordReconnect(err)
		if err == nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				_ = h.Close()
				return nil
			}
			state.reset()
			c.setHandle(h)
			c.log.Info("transcription reconnect successful", "attempt", attempt)
			return h
		}
		lastErr = err
		c.log.Warn("transcription reconnect attempt failed", "attempt", attempt, "err", err)
	}
}

// pump forwards transcripts until both of h's channels close or the
// channel is closed.
func (c *TranscriptionChannel) pump(h stt.SessionHandle) {
	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		select {
		case <-c.ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if c.filter.Allow(t, c.now()) {
				t.IsFinal = false
				c.emit(TranscriptEvent{Transcript: t})
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if strings.TrimSpace(t.Text) == "" {
				continue
			}
			c.filter.Reset()
			t.IsFinal = true
			ev := TranscriptEvent{Transcript: t}
			c.mu.Lock()
			if !c.flushedAt.IsZero() {
				ev.Latency = c.now().Sub(c.flushedAt)
				c.flushedAt = time.Time{}
			}
			c.mu.Unlock()
			c.emit(ev)
		}
	}
}

func (c *TranscriptionChannel) recordReconnect(err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	c.metrics.RecordReconnect(c.ctx, status)
}

func (c *TranscriptionChannel) emit(ev TranscriptEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
