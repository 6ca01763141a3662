package heuristic

import (
	"context"
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

func TestComplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"How are you?", true},
		{"The results are in.", true},
		{"Yes!", true},
		{"ok thank you", true},
		{"I was thinking about it and", false},
		{"Let me just", false},
		{"That's all--", false},
		{"I need help with", false},
		{"well, hold on", false},
		{"so the first thing is,", false},
		{"I would like to book a table for two", true},
		{"", false},
	}
	c := &Classifier{}
	for _, tt := range tests {
		if got := c.Complete(tt.text); got != tt.want {
			t.Errorf("Complete(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestEndOfTurn_UsesLastUserMessage(t *testing.T) {
	t.Parallel()
	c := &Classifier{}
	done, err := c.EndOfTurn(context.Background(), []llm.Message{
		llm.UserMessage("Where is my order?"),
		llm.AssistantMessage("Let me check."),
		llm.UserMessage("it was shipped and"),
	})
	if err != nil {
		t.Fatalf("EndOfTurn: %v", err)
	}
	if done {
		t.Error("trailing conjunction should not end the turn")
	}
}
