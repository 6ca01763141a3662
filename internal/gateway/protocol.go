// Package gateway is the caller-facing WebSocket edge of voxgate.
//
// It speaks two dialects. The telephony dialect carries JSON envelopes
// ({"event": "start"|"media"|"stop"|"mark", "streamSid": ...}) with base64
// mu-law payloads, as sent by telephony media streams. The browser dialect
// carries binary audio frames plus JSON control messages
// ({"type": "start"|"chat"|"stop"}). Every frame is decoded once, at the
// boundary, into an [Inbound] value; the rest of the process never sees wire
// JSON.
package gateway

import (
	"cmp"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Dialect selects the wire protocol of a connection.
type Dialect string

const (
	// DialectTelephony is the JSON media-stream protocol of telephony
	// providers.
	DialectTelephony Dialect = "telephony"

	// DialectBrowser is the binary-audio plus JSON-control protocol of the
	// browser client.
	DialectBrowser Dialect = "browser"
)

// ErrIgnored is returned by the decoders for well-formed frames that carry
// nothing the gateway acts on, such as "connected" or "dtmf" events.
var ErrIgnored = errors.New("gateway: frame ignored")

// DecodeError describes a malformed inbound frame.
type DecodeError struct {
	Dialect Dialect
	Reason  string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: decode %s frame: %s: %v", e.Dialect, e.Reason, e.Err)
	}
	return fmt.Sprintf("gateway: decode %s frame: %s", e.Dialect, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Inbound is a decoded frame from the caller. It is one of [Start], [Media],
// [Chat], [Stop] or [Mark].
type Inbound interface {
	inbound()
}

// Start opens a call.
type Start struct {
	// ID is the stream or session id announced by the client. May be empty.
	ID string

	// Format is the format of subsequent media payloads.
	Format audio.Format

	// OutputFormat is the format the client wants audio delivered in. The
	// zero value means "same as Format" for telephony and PCM speech for
	// browsers.
	OutputFormat audio.Format

	// Greet overrides the configured greeting behaviour when non-nil.
	Greet *bool

	// Metadata holds dialect-specific details such as the call sid.
	Metadata map[string]string
}

// Media is one payload of caller audio.
type Media struct {
	Payload []byte
}

// Chat is a typed message from the caller.
type Chat struct {
	Text string
}

// Stop ends the call.
type Stop struct{}

// Mark acknowledges that the far end finished playing a named mark.
type Mark struct {
	Name string
}

func (Start) inbound() {}
func (Media) inbound() {}
func (Chat) inbound()  {}
func (Stop) inbound()  {}
func (Mark) inbound()  {}

// telephonyFrame is the inbound telephony envelope.
type telephonyFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		AccountSID       string            `json:"accountSid"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      *struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
	} `json:"start"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// DecodeTelephony decodes one text frame of the telephony dialect.
func DecodeTelephony(data []byte) (Inbound, error) {
	var f telephonyFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Dialect: DialectTelephony, Reason: "invalid json", Err: err}
	}
	switch f.Event {
	case "start":
		return decodeTelephonyStart(f)
	case "media":
		if f.Media == nil || f.Media.Payload == "" {
			return nil, &DecodeError{Dialect: DialectTelephony, Reason: "media without payload"}
		}
		if f.Media.Track != "" && f.Media.Track != "inbound" {
			return nil, ErrIgnored
		}
		b, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return nil, &DecodeError{Dialect: DialectTelephony, Reason: "media payload", Err: err}
		}
		return Media{Payload: b}, nil
	case "stop":
		return Stop{}, nil
	case "mark":
		if f.Mark == nil {
			return nil, &DecodeError{Dialect: DialectTelephony, Reason: "mark without name"}
		}
		return Mark{Name: f.Mark.Name}, nil
	case "connected", "dtmf":
		return nil, ErrIgnored
	case "":
		return nil, &DecodeError{Dialect: DialectTelephony, Reason: "missing event"}
	default:
		return nil, ErrIgnored
	}
}

func decodeTelephonyStart(f telephonyFrame) (Inbound, error) {
	s := Start{ID: f.StreamSID, Format: audio.Telephony, Metadata: map[string]string{}}
	if f.Start == nil {
		return s, nil
	}
	if s.ID == "" {
		s.ID = f.Start.StreamSID
	}
	for k, v := range f.Start.CustomParameters {
		s.Metadata[k] = v
	}
	if f.Start.CallSID != "" {
		s.Metadata["call_sid"] = f.Start.CallSID
	}
	if s.ID != "" {
		s.Metadata["stream_sid"] = s.ID
	}
	if mf := f.Start.MediaFormat; mf != nil {
		enc, err := telephonyEncoding(mf.Encoding)
		if err != nil {
			return nil, &DecodeError{Dialect: DialectTelephony, Reason: "media format", Err: err}
		}
		s.Format = audio.Format{
			Encoding:   enc,
			SampleRate: cmp.Or(mf.SampleRate, audio.Telephony.SampleRate),
			Channels:   cmp.Or(mf.Channels, 1),
		}
	}
	return s, nil
}

func telephonyEncoding(mime string) (audio.Encoding, error) {
	switch strings.ToLower(mime) {
	case "", "audio/x-mulaw", "audio/mulaw", "audio/pcmu":
		return audio.EncodingMulaw, nil
	case "audio/l16", "audio/pcm":
		return audio.EncodingPCM16, nil
	}
	return "", fmt.Errorf("unsupported encoding %q", mime)
}

// browserFormat is the wire form of an audio format in browser messages.
type browserFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func (f *browserFormat) format(def audio.Format) (audio.Format, error) {
	if f == nil {
		return def, nil
	}
	out := audio.Format{
		Encoding:   audio.Encoding(strings.ToLower(cmp.Or(f.Encoding, string(def.Encoding)))),
		SampleRate: cmp.Or(f.SampleRate, def.SampleRate),
		Channels:   cmp.Or(f.Channels, 1),
	}
	return out, out.Validate()
}

// browserFrame is the inbound browser control message.
type browserFrame struct {
	Type         string            `json:"type"`
	SessionID    string            `json:"session_id"`
	Format       *browserFormat    `json:"format"`
	OutputFormat *browserFormat    `json:"output_format"`
	Greet        *bool             `json:"greet"`
	Metadata     map[string]string `json:"metadata"`
	Message      string            `json:"message"`
	Text         string            `json:"text"`
	Audio        string            `json:"audio"`
}

// DecodeBrowser decodes one frame of the browser dialect. Binary frames are
// raw audio in the format announced by the start message.
func DecodeBrowser(data []byte, binary bool) (Inbound, error) {
	if binary {
		if len(data) == 0 {
			return nil, ErrIgnored
		}
		return Media{Payload: data}, nil
	}
	var f browserFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Dialect: DialectBrowser, Reason: "invalid json", Err: err}
	}
	switch f.Type {
	case "start":
		in, err := f.Format.format(audio.Speech)
		if err != nil {
			return nil, &DecodeError{Dialect: DialectBrowser, Reason: "format", Err: err}
		}
		out, err := f.OutputFormat.format(audio.Format{})
		if err != nil {
			return nil, &DecodeError{Dialect: DialectBrowser, Reason: "output_format", Err: err}
		}
		return Start{ID: f.SessionID, Format: in, OutputFormat: out, Greet: f.Greet, Metadata: f.Metadata}, nil
	case "chat":
		text := strings.TrimSpace(cmp.Or(f.Message, f.Text))
		if text == "" {
			return nil, &DecodeError{Dialect: DialectBrowser, Reason: "empty chat message"}
		}
		return Chat{Text: text}, nil
	case "audio":
		b, err := base64.StdEncoding.DecodeString(f.Audio)
		if err != nil {
			return nil, &DecodeError{Dialect: DialectBrowser, Reason: "audio payload", Err: err}
		}
		if len(b) == 0 {
			return nil, ErrIgnored
		}
		return Media{Payload: b}, nil
	case "stop":
		return Stop{}, nil
	case "":
		return nil, &DecodeError{Dialect: DialectBrowser, Reason: "missing type"}
	default:
		return nil, ErrIgnored
	}
}
