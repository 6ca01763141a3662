package session

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
)

// Reply is the outcome of a dispatched turn.
type Reply struct {
	// Text is what the assistant says or writes.
	Text string

	// Channel is the channel the reply is delivered on.
	Channel reply.Channel

	// Latency is the time spent generating the reply.
	Latency time.Duration

	// Fallback is true when Text is the canned apology.
	Fallback bool
}

// Dispatcher turns a completed caller turn into a reply. It records both
// sides of the exchange in the session history and the transcript store.
//
// Dispatcher never fails: a generator error or timeout yields the canned
// apology on the caller's channel, and a reply that cannot be parsed is
// spoken as raw text.
type Dispatcher struct {
	sessionID string
	callerID  string
	generator reply.Generator
	history   *History
	store     *MemoryGuard
	timeout   time.Duration
	apology   string
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewDispatcher returns a dispatcher for one session. callerID is stored
// with every turn and may be empty. store may wrap a nil store; metrics may
// be nil.
func NewDispatcher(sessionID, callerID string, g reply.Generator, h *History, store *MemoryGuard, cfg ResponseConfig, metrics *observe.Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewMemoryGuard(nil)
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.Apology == "" {
		cfg.Apology = defaultApology
	}
	return &Dispatcher{
		sessionID: sessionID,
		callerID:  callerID,
		generator: g,
		history:   h,
		store:     store,
		timeout:   cfg.GenerationTimeout,
		apology:   cfg.Apology,
		metrics:   metrics,
		log:       log,
	}
}

// Dispatch generates the reply to text, which arrived on input.
func (d *Dispatcher) Dispatch(ctx context.Context, text string, input reply.Channel) Reply {
	if !input.IsValid() {
		input = reply.ChannelAudio
	}
	ctx, span := observe.StartSpan(ctx, "session.dispatch",
		trace.WithAttributes(
			attribute.String("session.id", d.sessionID),
			attribute.String("input_channel", string(input)),
		),
	)
	defer span.End()
	log := observe.WithTrace(ctx, d.log)

	prior := d.history.Messages()
	now := time.Now()
	d.history.Append(Entry{Speaker: memory.SpeakerCaller, Text: text, At: now})
	_ = d.store.AppendTurn(ctx, memory.TurnRecord{
		SessionID: d.sessionID,
		CallerID:  d.callerID,
		Speaker:   memory.SpeakerCaller,
		Text:      text,
		Channel:   string(input),
		At:        now,
	})

	start := time.Now()
	gctx, cancel := context.WithTimeout(ctx, d.timeout)
	raw, err := d.generator.Generate(gctx, reply.Request{
		Message:      text,
		InputChannel: input,
		History:      prior,
	})
	cancel()
	latency := time.Since(start)
	d.recordLatency(ctx, latency, err)

	var r Reply
	if err != nil {
		log.Warn("reply generation failed, sending apology", "err", err, "latency", latency)
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		r = Reply{Text: d.apology, Channel: input, Latency: latency, Fallback: true}
	} else {
		parsed := reply.Parse(raw, input)
		if !parsed.Structured {
			log.Warn("reply is not structured, using raw text", "bytes", len(raw))
		}
		r = Reply{Text: parsed.Text, Channel: parsed.Channel, Latency: latency}
		if r.Text == "" {
			r = Reply{Text: d.apology, Channel: input, Latency: latency, Fallback: true}
		}
	}
	span.SetAttributes(attribute.String("output_channel", string(r.Channel)))

	d.history.Append(Entry{Speaker: memory.SpeakerAssistant, Text: r.Text})
	_ = d.store.AppendTurn(ctx, memory.TurnRecord{
		SessionID: d.sessionID,
		CallerID:  d.callerID,
		Speaker:   memory.SpeakerAssistant,
		Text:      r.Text,
		Channel:   string(r.Channel),
		At:        time.Now(),
		Latency:   latency,
	})
	return r
}

func (d *Dispatcher) recordLatency(ctx context.Context, latency time.Duration, err error) {
	if d.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordProviderRequest(ctx, "generator", "reply", status)
	if err == nil {
		d.metrics.GenerationDuration.Record(ctx, latency.Seconds())
	} else {
		d.metrics.RecordProviderError(ctx, "generator", "reply")
	}
}
