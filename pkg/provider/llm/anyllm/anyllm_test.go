package anyllm

import (
	"slices"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

func TestParams_HistoryAfterSystemPrompt(t *testing.T) {
	t.Parallel()
	p := &Provider{vendor: "anthropic", model: "claude-3-5-haiku-latest"}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "You answer a shop's phone line.",
		Messages: []llm.Message{
			llm.UserMessage("hi"),
			llm.AssistantMessage("Hello, how can I help?"),
			llm.UserMessage("where is my order"),
		},
		Temperature: 0.1,
		MaxTokens:   200,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	roles := make([]string, len(params.Messages))
	for i, m := range params.Messages {
		roles[i] = m.Role
	}
	want := []string{anyllmlib.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	if !slices.Equal(roles, want) {
		t.Errorf("roles = %v, want %v", roles, want)
	}
	if params.Temperature == nil || *params.Temperature != 0.1 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 200 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

func TestParams_DefaultsLeftToBackend(t *testing.T) {
	t.Parallel()
	p := &Provider{vendor: "ollama", model: "llama3"}
	params := p.params(llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("x")}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("temperature=%v max_tokens=%v, want both unset", params.Temperature, params.MaxTokens)
	}
	if len(params.Messages) != 1 {
		t.Errorf("got %d messages, want only the user turn", len(params.Messages))
	}
}

func TestParams_JSONModeInstruction(t *testing.T) {
	t.Parallel()
	p := &Provider{vendor: "groq", model: "llama3"}

	params := p.params(llm.CompletionRequest{
		SystemPrompt: "Judge the turn.",
		Messages:     []llm.Message{llm.UserMessage("x")},
		JSONMode:     true,
	})
	sys := params.Messages[0].ContentString()
	if !strings.HasPrefix(sys, "Judge the turn.") || !strings.HasSuffix(sys, llm.JSONInstruction) {
		t.Errorf("system prompt = %q", sys)
	}

	// JSON mode alone still yields a system message.
	params = p.params(llm.CompletionRequest{Messages: []llm.Message{llm.UserMessage("x")}, JSONMode: true})
	if len(params.Messages) != 2 || params.Messages[0].ContentString() != llm.JSONInstruction {
		t.Errorf("messages = %+v", params.Messages)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, vendor, model, want string
	}{
		{"no vendor", "", "m", "vendor is required"},
		{"unknown vendor", "fakecloud", "m", "unknown vendor"},
		{"no model", "anthropic", "", "model is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.vendor, tt.model, anyllmlib.WithAPIKey("dummy"))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New("anthropic", "claude-3-5-haiku-latest"); err == nil {
		t.Fatal("expected error without an API key")
	}
}

func TestNew_Vendors(t *testing.T) {
	for _, vendor := range []string{"openai", "anthropic", "groq", "ollama", "llamacpp"} {
		t.Run(vendor, func(t *testing.T) {
			var opts []anyllmlib.Option
			if !Local(vendor) {
				opts = append(opts, anyllmlib.WithAPIKey("test-key"))
			}
			p, err := New(strings.ToUpper(vendor), "some-model", opts...)
			if err != nil {
				t.Fatalf("New(%s): %v", vendor, err)
			}
			if p.vendor != vendor {
				t.Errorf("vendor = %q, want %q", p.vendor, vendor)
			}
		})
	}
}

func TestNames(t *testing.T) {
	t.Parallel()
	names := Names()
	if !slices.IsSorted(names) || !slices.Contains(names, "openai") || !slices.Contains(names, "ollama") {
		t.Errorf("Names() = %v", names)
	}
}
