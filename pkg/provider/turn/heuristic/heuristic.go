// Package heuristic provides a rule-based turn.Classifier. It needs no
// network and is meant as the last fallback behind a model-based classifier.
package heuristic

import (
	"context"
	"strings"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
)

var (
	closingPhrases = []string{
		"what do you think", "your turn", "over to you", "what about you",
		"that's it", "that's all", "goodbye", "bye", "see you", "talk later",
		"thanks", "thank you",
	}
	continuationPhrases = []string{
		"and also", "furthermore", "in addition", "wait", "hold on",
		"let me think", "let me tell you", "as i was saying", "i mean",
		"for example", "such as",
	}
	trailingWords = []string{
		"and", "but", "or", "so", "because", "if", "when", "while", "since",
		"unless", "um", "uh", "like", "the", "a", "to",
	}
)

// Classifier implements turn.Classifier with linguistic markers.
type Classifier struct {
	// MinWords is the length from which an unpunctuated utterance counts as
	// complete. Zero uses 5.
	MinWords int
}

var _ turn.Classifier = (*Classifier)(nil)

// EndOfTurn implements turn.Classifier. It never returns an error.
func (c *Classifier) EndOfTurn(_ context.Context, messages []llm.Message) (bool, error) {
	return c.Complete(turn.LastUserText(messages)), nil
}

// Complete reports whether text reads like a finished turn.
func (c *Classifier) Complete(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)

	if strings.HasSuffix(text, "...") || strings.HasSuffix(text, "-") || strings.HasSuffix(text, ",") {
		return false
	}
	words := strings.Fields(lower)
	last := strings.Trim(words[len(words)-1], ".,!?;:")
	for _, w := range trailingWords {
		if last == w && !strings.ContainsAny(text[len(text)-1:], ".!?") {
			return false
		}
	}
	for _, p := range continuationPhrases {
		if strings.HasSuffix(strings.TrimRight(lower, ".!?"), p) {
			return false
		}
	}

	if strings.HasSuffix(text, "?") || strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!") {
		return true
	}
	for _, p := range closingPhrases {
		if strings.HasSuffix(lower, p) {
			return true
		}
	}
	minWords := c.MinWords
	if minWords <= 0 {
		minWords = 5
	}
	return len(words) >= minWords
}
