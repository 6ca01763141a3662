package reply

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Parsed is a generator answer reduced to what the gateway delivers.
type Parsed struct {
	Text    string
	Channel Channel

	// Structured is false when the answer was not a usable JSON object and
	// Text holds the raw answer.
	Structured bool
}

// answer accepts both the current and the legacy key names.
type answer struct {
	Response      string `json:"response"`
	OutputChannel string `json:"output_channel"`
	Output        string `json:"output"`
	OutputType    string `json:"outputType"`
}

// Parse interprets a raw generator answer. A JSON object with a response
// (or legacy output) yields that text on its output channel, defaulting to
// input when the channel is missing or unknown. Anything else is delivered
// verbatim as audio.
func Parse(raw []byte, input Channel) Parsed {
	var a answer
	if err := unmarshalJSON(raw, &a); err == nil {
		text := a.Response
		if text == "" {
			text = a.Output
		}
		if strings.TrimSpace(text) != "" {
			ch := Channel(strings.ToLower(a.OutputChannel))
			if ch == "" {
				ch = Channel(strings.ToLower(a.OutputType))
			}
			if !ch.IsValid() {
				ch = input
			}
			if !ch.IsValid() {
				ch = ChannelAudio
			}
			return Parsed{Text: text, Channel: ch, Structured: true}
		}
	}
	return Parsed{Text: strings.TrimSpace(string(raw)), Channel: ChannelAudio}
}

// unmarshalJSON decodes data into v and retries once through jsonrepair when
// the input is not syntactically valid JSON.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return rerr
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}
