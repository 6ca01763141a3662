// Package turn defines the Classifier interface for end-of-turn detection.
//
// A classifier looks at the conversation so far, with the caller's pending
// utterance as the last user message, and reports whether the caller has
// finished speaking. Callers treat an error as "complete" so a broken
// classifier delays nothing.
//
// Implementations must be safe for concurrent use.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

// ErrMalformed is returned when a classifier answer has no usable verdict.
var ErrMalformed = errors.New("turn: malformed verdict")

// Classifier decides whether a conversational turn is complete.
type Classifier interface {
	// EndOfTurn reports whether the last user message in messages ends the
	// caller's turn. messages is ordered oldest first.
	EndOfTurn(ctx context.Context, messages []llm.Message) (bool, error)
}

// LastUserText returns the content of the last user-role message, or "".
func LastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

type verdict struct {
	EndOfTurn *bool `json:"end_of_turn"`
}

// ParseVerdict extracts end_of_turn from a JSON object. Input that does not
// parse is passed through jsonrepair once before it is rejected.
func ParseVerdict(raw []byte) (bool, error) {
	var v verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(string(raw))
		if rerr != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if v.EndOfTurn == nil {
		return false, fmt.Errorf("%w: missing end_of_turn", ErrMalformed)
	}
	return *v.EndOfTurn, nil
}
