package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// ErrConnClosed is returned when writing to a closed connection.
var ErrConnClosed = errors.New("gateway: connection closed")

// Conn is one caller connection. It implements [session.Transport] in the
// dialect it was accepted with.
//
// All methods are safe for concurrent use.
type Conn struct {
	dialect Dialect
	log     *slog.Logger

	priority chan frame
	normal   chan frame
	epoch    atomic.Uint64

	// streamID is the telephony streamSid, known after the start event.
	mu       sync.Mutex
	streamID string

	// opus, when set, packs outbound PCM into Opus packets. pending holds
	// the PCM tail shorter than one encoder frame.
	opusMu  sync.Mutex
	opus    *audio.OpusEncoder
	pending []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	writerErr error
	done      chan struct{}
}

var _ session.Transport = (*Conn)(nil)

// newConn starts the writer goroutine for ws.
func newConn(ws wsWriter, dialect Dialect, cfg Config, log *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		dialect:  dialect,
		log:      log,
		priority: make(chan frame, cfg.ControlQueue),
		normal:   make(chan frame, cfg.AudioQueue),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w := &writer{
		ws:           ws,
		ctx:          ctx,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		priority:     c.priority,
		normal:       c.normal,
		stale:        func(e uint64) bool { return e < c.epoch.Load() },
	}
	go func() {
		defer close(c.done)
		if err := w.run(); err != nil {
			c.writerErr = err
			c.log.Debug("connection writer stopped", "err", err)
			cancel()
			_ = ws.Close()
		}
	}()
	return c
}

// Dialect returns the wire dialect of c.
func (c *Conn) Dialect() Dialect { return c.dialect }

func (c *Conn) setStreamID(id string) {
	c.mu.Lock()
	c.streamID = id
	c.mu.Unlock()
}

func (c *Conn) streamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// setOpusOutput makes SendAudio deliver enc's PCM input as Opus packets,
// one binary frame per packet.
func (c *Conn) setOpusOutput(enc *audio.OpusEncoder) {
	c.opusMu.Lock()
	c.opus = enc
	c.pending = nil
	c.opusMu.Unlock()
}

// encodeOpus appends chunk to the pending PCM and returns the packets for
// every complete frame. ok is false when Opus output is off.
func (c *Conn) encodeOpus(chunk []byte) (packets [][]byte, ok bool, err error) {
	c.opusMu.Lock()
	defer c.opusMu.Unlock()
	if c.opus == nil {
		return nil, false, nil
	}
	c.pending = append(c.pending, chunk...)
	n := c.opus.FrameBytes()
	for len(c.pending) >= n {
		p, err := c.opus.Encode(c.pending[:n])
		if err != nil {
			return packets, true, fmt.Errorf("gateway: %w", err)
		}
		packets = append(packets, p)
		c.pending = c.pending[n:]
	}
	c.pending = append([]byte(nil), c.pending...)
	return packets, true, nil
}

// telephonyOut is the outbound telephony envelope.
type telephonyOut struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// SendAudio queues one chunk of wire-format audio. It blocks while the audio
// queue is full.
func (c *Conn) SendAudio(chunk []byte) error {
	if packets, ok, err := c.encodeOpus(chunk); ok {
		epoch := c.epoch.Load()
		for _, p := range packets {
			if err := c.queueAudio(frame{audio: true, epoch: epoch, messageType: websocket.BinaryMessage, data: p}); err != nil {
				return err
			}
		}
		return err
	}

	f := frame{audio: true, epoch: c.epoch.Load()}
	switch c.dialect {
	case DialectTelephony:
		msg := telephonyOut{Event: "media", StreamSID: c.streamSID()}
		msg.Media = &struct {
			Payload string `json:"payload"`
		}{Payload: base64.StdEncoding.EncodeToString(chunk)}
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("gateway: encode media: %w", err)
		}
		f.messageType, f.data = websocket.TextMessage, b
	default:
		f.messageType, f.data = websocket.BinaryMessage, append([]byte(nil), chunk...)
	}
	return c.queueAudio(f)
}

func (c *Conn) queueAudio(f frame) error {
	select {
	case c.normal <- f:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	}
}

// Clear drops every audio chunk still queued and tells the far end to
// discard what it has buffered.
func (c *Conn) Clear() error {
	c.epoch.Add(1)
	c.opusMu.Lock()
	c.pending = nil
	c.opusMu.Unlock()
	var (
		b   []byte
		err error
	)
	switch c.dialect {
	case DialectTelephony:
		b, err = json.Marshal(telephonyOut{Event: "clear", StreamSID: c.streamSID()})
	default:
		b, err = json.Marshal(map[string]string{"type": "clear"})
	}
	if err != nil {
		return fmt.Errorf("gateway: encode clear: %w", err)
	}
	return c.sendPriority(frame{messageType: websocket.TextMessage, data: b})
}

// SendEvent queues ev as a JSON text frame. Telephony streams cannot show
// events, so they are dropped there.
func (c *Conn) SendEvent(ev session.Event) error {
	if c.dialect == DialectTelephony {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("gateway: encode event: %w", err)
	}
	return c.sendPriority(frame{messageType: websocket.TextMessage, data: b})
}

func (c *Conn) sendPriority(f frame) error {
	select {
	case c.priority <- f:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	}
}

// Close stops the writer after it flushed pending events, then closes the
// socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}

// Done is closed once the connection's writer has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the write error that stopped the connection, if any. It is
// only meaningful after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.writerErr
	default:
		return nil
	}
}
