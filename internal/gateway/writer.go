package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriter is the write half of a WebSocket connection.
type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// frame is one queued outbound message.
type frame struct {
	messageType int
	data        []byte

	// audio frames carry the clear epoch they were queued in and are dropped
	// once a later clear has been issued.
	audio bool
	epoch uint64
}

// writer owns every write to a connection. Control frames and events go
// through priority and always overtake queued audio.
type writer struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan frame
	normal       <-chan frame

	// stale reports whether an audio frame of the given epoch was cleared.
	stale func(epoch uint64) bool
}

// run writes frames until ctx is done, both queues are closed or a write
// fails. On shutdown it flushes pending priority frames, sends a close frame
// and closes the socket.
func (w *writer) run() error {
	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()

	var pending *frame
	for {
		select {
		case <-w.ctx.Done():
			w.shutdown()
			return nil
		default:
		}

		select {
		case f, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(f); err != nil {
				return err
			}
			continue
		default:
		}

		if pending != nil {
			f := *pending
			pending = nil
			if err := w.write(f); err != nil {
				return err
			}
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-w.ctx.Done():
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		case f, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(f); err != nil {
				return err
			}
		case f, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pending = &f
		}
	}
}

// shutdown flushes what is left in the priority queue, bounded in time, so
// a final error or status event still reaches the client.
func (w *writer) shutdown() {
	deadline := time.Now().Add(min(w.writeTimeout, 250*time.Millisecond))
	for w.priority != nil && time.Now().Before(deadline) {
		select {
		case f, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(f); err != nil {
				w.priority = nil
			}
			continue
		default:
		}
		break
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout))
	_ = w.ws.Close()
}

func (w *writer) write(f frame) error {
	if f.audio && w.stale != nil && w.stale(f.epoch) {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(f.messageType, f.data)
}
