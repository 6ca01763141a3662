package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// Handler defaults.
const (
	defaultReadLimit          = 64 << 10
	defaultWriteTimeout       = 5 * time.Second
	defaultPingInterval       = 20 * time.Second
	defaultPongWait           = 60 * time.Second
	defaultHandshakeTimeout   = 10 * time.Second
	defaultAudioQueue         = 256
	defaultControlQueue       = 64
	defaultMaxFramesPerSecond = 100
	defaultFrameBurst         = 50
)

// Config tunes a [Handler]. Zero fields select defaults.
type Config struct {
	// ReadLimit is the largest inbound frame accepted, in bytes.
	ReadLimit int64

	// WriteTimeout bounds every single write.
	WriteTimeout time.Duration

	// PingInterval is how often the server pings the client.
	PingInterval time.Duration

	// PongWait is how long the connection may stay silent once a call runs.
	PongWait time.Duration

	// HandshakeTimeout is how long a new connection may take to start a
	// call.
	HandshakeTimeout time.Duration

	// AudioQueue and ControlQueue size the outbound queues.
	AudioQueue   int
	ControlQueue int

	// MaxFramesPerSecond limits inbound media frames; excess frames are
	// dropped. FrameBurst is the burst allowance.
	MaxFramesPerSecond float64
	FrameBurst         int

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string

	// GreetTelephony and GreetBrowser decide whether new calls of each
	// dialect hear the greeting. A browser start message may override it.
	GreetTelephony bool
	GreetBrowser   bool
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.AudioQueue <= 0 {
		c.AudioQueue = defaultAudioQueue
	}
	if c.ControlQueue <= 0 {
		c.ControlQueue = defaultControlQueue
	}
	if c.MaxFramesPerSecond <= 0 {
		c.MaxFramesPerSecond = defaultMaxFramesPerSecond
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = defaultFrameBurst
	}
	return c
}

// Session is the part of a [session.Session] the gateway drives.
type Session interface {
	ID() string
	HandleMedia(payload []byte) error
	HandleChat(text string) error
	Close() error
}

// Starter starts a session for a new call.
type Starter interface {
	Start(ctx context.Context, info session.StartInfo, t session.Transport) (Session, error)
}

// StarterFunc adapts a function to [Starter].
type StarterFunc func(ctx context.Context, info session.StartInfo, t session.Transport) (Session, error)

// Start calls f.
func (f StarterFunc) Start(ctx context.Context, info session.StartInfo, t session.Transport) (Session, error) {
	return f(ctx, info, t)
}

// RegistryStarter starts sessions through r.
func RegistryStarter(r *session.Registry) Starter {
	return StarterFunc(func(ctx context.Context, info session.StartInfo, t session.Transport) (Session, error) {
		s, err := r.Create(ctx, info, t)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMetrics records open connections to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// Handler upgrades HTTP requests to WebSocket connections of one dialect and
// runs a session per call.
type Handler struct {
	dialect  Dialect
	cfg      Config
	starter  Starter
	upgrader websocket.Upgrader
	metrics  *observe.Metrics
	log      *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler returns a handler for connections in dialect d.
func NewHandler(d Dialect, starter Starter, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		dialect: d,
		cfg:     cfg.withDefaults(),
		starter: starter,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With("dialect", string(d))
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: h.cfg.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and serves the connection until the call
// ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	if h.metrics != nil {
		h.metrics.ActiveConnections.Add(r.Context(), 1)
		defer h.metrics.ActiveConnections.Add(context.WithoutCancel(r.Context()), -1)
	}

	c := newConn(ws, h.dialect, h.cfg, h.log)
	defer c.Close()
	h.serve(r.Context(), ws, c)
}

// call is the per-connection read-side state.
type call struct {
	sess    Session
	opus    *audio.OpusDecoder
	limiter *rate.Limiter
	dropped int
}

// serve reads frames until the client stops the call, the connection fails
// or the session ends.
func (h *Handler) serve(ctx context.Context, ws *websocket.Conn, c *Conn) {
	cl := &call{
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MaxFramesPerSecond), h.cfg.FrameBurst),
	}
	defer func() {
		if cl.sess != nil {
			_ = cl.sess.Close()
			h.log.Info("call ended", "session_id", cl.sess.ID())
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	ws.SetPongHandler(func(string) error {
		if cl.sess != nil {
			return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		}
		return nil
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("connection read failed", "err", err)
			}
			return
		}
		if cl.sess != nil {
			_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		}

		in, err := h.decode(mt, data)
		var de *DecodeError
		switch {
		case errors.Is(err, ErrIgnored):
			continue
		case errors.As(err, &de):
			h.log.Warn("malformed frame dropped", "err", err)
			continue
		case err != nil:
			h.log.Warn("frame dropped", "err", err)
			continue
		}

		if !h.handle(ctx, c, cl, in) {
			return
		}
	}
}

func (h *Handler) decode(mt int, data []byte) (Inbound, error) {
	binary := mt == websocket.BinaryMessage
	if h.dialect == DialectTelephony {
		if binary {
			return nil, &DecodeError{Dialect: DialectTelephony, Reason: "unexpected binary frame"}
		}
		return DecodeTelephony(data)
	}
	return DecodeBrowser(data, binary)
}

// handle acts on one decoded frame and reports whether the connection should
// keep reading.
func (h *Handler) handle(ctx context.Context, c *Conn, cl *call, in Inbound) bool {
	switch m := in.(type) {
	case Start:
		if cl.sess != nil {
			h.log.Warn("duplicate start ignored", "session_id", cl.sess.ID())
			return true
		}
		return h.start(ctx, c, cl, m) == nil

	case Media:
		if cl.sess == nil && !h.implicitStart(ctx, c, cl) {
			return h.dialect == DialectTelephony
		}
		if !cl.limiter.Allow() {
			cl.dropped++
			if cl.dropped == 1 || cl.dropped%100 == 0 {
				h.log.Warn("inbound media rate exceeded, dropping frames", "session_id", cl.sess.ID(), "dropped", cl.dropped)
			}
			return true
		}
		payload := m.Payload
		if cl.opus != nil {
			pcm, err := cl.opus.Decode(payload)
			if err != nil {
				h.log.Warn("opus frame dropped", "session_id", cl.sess.ID(), "err", err)
				return true
			}
			payload = pcm
		}
		return h.deliver(cl, cl.sess.HandleMedia(payload))

	case Chat:
		if cl.sess == nil && !h.implicitStart(ctx, c, cl) {
			return h.dialect == DialectTelephony
		}
		return h.deliver(cl, cl.sess.HandleChat(m.Text))

	case Stop:
		return false

	case Mark:
		h.log.Debug("mark acknowledged", "name", m.Name)
	}
	return true
}

// implicitStart starts a browser call with default settings when the client
// sends audio or chat without a start message. Telephony media before start
// is dropped.
func (h *Handler) implicitStart(ctx context.Context, c *Conn, cl *call) bool {
	if h.dialect == DialectTelephony {
		h.log.Debug("media before start dropped")
		return false
	}
	return h.start(ctx, c, cl, Start{Format: audio.Speech}) == nil
}

func (h *Handler) deliver(cl *call, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, session.ErrClosed):
		return false
	default:
		h.log.Warn("session rejected input", "session_id", cl.sess.ID(), "err", err)
		return true
	}
}

// callerID picks the caller identity from start metadata: an explicit
// caller_id custom parameter, else the telephony "from" number.
func callerID(md map[string]string) string {
	if id := strings.TrimSpace(md["caller_id"]); id != "" {
		return id
	}
	return strings.TrimSpace(md["from"])
}

// start opens a session for m. Failures are reported to the client as an
// error event before the connection closes.
func (h *Handler) start(ctx context.Context, c *Conn, cl *call, m Start) error {
	info := session.StartInfo{
		ID:          m.ID,
		InputFormat: m.Format,
		WireFormat:  m.OutputFormat,
		CallerID:    callerID(m.Metadata),
		Metadata:    m.Metadata,
	}
	switch h.dialect {
	case DialectTelephony:
		c.setStreamID(m.ID)
		info.Greet = h.cfg.GreetTelephony
	default:
		info.TextCapable = true
		info.Greet = h.cfg.GreetBrowser
		if info.WireFormat == (audio.Format{}) {
			info.WireFormat = audio.Speech
		}
	}
	if m.Greet != nil {
		info.Greet = *m.Greet
	}

	if h.dialect == DialectBrowser && info.WireFormat.Encoding == audio.EncodingOpus {
		enc, err := audio.NewOpusEncoder(info.WireFormat.SampleRate, info.WireFormat.Channels)
		if err != nil {
			h.reject(c, err, session.CodePipelineFailure)
			return err
		}
		c.setOpusOutput(enc)
		info.WireFormat = enc.Format()
	}

	switch info.WireFormat.Encoding {
	case "", audio.EncodingPCM16, audio.EncodingMulaw:
	default:
		err := errors.New("gateway: unsupported output encoding " + string(info.WireFormat.Encoding))
		h.reject(c, err, session.CodePipelineFailure)
		return err
	}

	if m.Format.Encoding == audio.EncodingOpus {
		dec, err := audio.NewOpusDecoder(m.Format.SampleRate, m.Format.Channels)
		if err != nil {
			h.reject(c, err, session.CodePipelineFailure)
			return err
		}
		cl.opus = dec
		info.InputFormat = dec.Format()
	}

	sess, err := h.starter.Start(ctx, info, c)
	if err != nil {
		code := session.CodeInternal
		switch {
		case errors.Is(err, session.ErrRegistryFull):
			code = session.CodeCapacity
		case errors.Is(err, session.ErrPipeline):
			code = session.CodePipelineFailure
		}
		h.reject(c, err, code)
		return err
	}
	cl.sess = sess
	h.log.Info("call started", "session_id", sess.ID(), "input", info.InputFormat.String(), "greet", info.Greet)
	return nil
}

func (h *Handler) reject(c *Conn, err error, code string) {
	h.log.Warn("call rejected", "err", err, "code", code)
	_ = c.SendEvent(session.Event{Type: session.EventError, Text: err.Error(), Code: code})
}
