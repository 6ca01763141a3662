package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/memory"
	memorymock "github.com/MrWong99/voxgate/pkg/memory/mock"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
	replymock "github.com/MrWong99/voxgate/pkg/provider/reply/mock"
)

func newTestDispatcher(g reply.Generator, store memory.TranscriptStore, cfg ResponseConfig) (*Dispatcher, *History) {
	h := NewHistory(0)
	return NewDispatcher("sess-1", "+4930", g, h, NewMemoryGuard(store), cfg, nil, discardLogger()), h
}

func TestDispatcher_StructuredReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		input   reply.Channel
		want    string
		channel reply.Channel
	}{
		{"response on text", `{"response":"Your order ships today.","output_channel":"text"}`, reply.ChannelAudio, "Your order ships today.", reply.ChannelText},
		{"output and outputType", `{"output":"Sure.","outputType":"audio"}`, reply.ChannelText, "Sure.", reply.ChannelAudio},
		{"missing channel uses input", `{"response":"Hi."}`, reply.ChannelText, "Hi.", reply.ChannelText},
		{"unknown channel uses input", `{"response":"Hi.","output_channel":"fax"}`, reply.ChannelAudio, "Hi.", reply.ChannelAudio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, _ := newTestDispatcher(&replymock.Generator{Reply: []byte(tt.raw)}, nil, ResponseConfig{})

			r := d.Dispatch(context.Background(), "question", tt.input)
			if r.Text != tt.want || r.Channel != tt.channel || r.Fallback {
				t.Errorf("Dispatch = %+v, want text %q on %q", r, tt.want, tt.channel)
			}
		})
	}
}

func TestDispatcher_InvalidJSONSpokenRaw(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(&replymock.Generator{Reply: []byte("Sure, I can help")}, nil, ResponseConfig{})

	r := d.Dispatch(context.Background(), "can you help", reply.ChannelText)
	if r.Text != "Sure, I can help" {
		t.Errorf("Text = %q, want raw output", r.Text)
	}
	if r.Channel != reply.ChannelAudio {
		t.Errorf("Channel = %q, want audio", r.Channel)
	}
	if r.Fallback {
		t.Error("raw output must not be marked as fallback")
	}
}

func TestDispatcher_Apology(t *testing.T) {
	t.Parallel()

	t.Run("generator error", func(t *testing.T) {
		t.Parallel()
		d, h := newTestDispatcher(&replymock.Generator{GenerateErr: errors.New("503")}, nil, ResponseConfig{Apology: "oops"})

		r := d.Dispatch(context.Background(), "hello", reply.ChannelText)
		if !r.Fallback || r.Text != "oops" || r.Channel != reply.ChannelText {
			t.Errorf("Dispatch = %+v, want apology on text", r)
		}
		entries := h.Entries()
		if len(entries) != 2 || entries[1].Text != "oops" {
			t.Errorf("history = %+v, want caller turn then apology", entries)
		}
	})

	t.Run("generator timeout", func(t *testing.T) {
		t.Parallel()
		d, _ := newTestDispatcher(&replymock.Generator{Block: true}, nil, ResponseConfig{GenerationTimeout: 30 * time.Millisecond})

		start := time.Now()
		r := d.Dispatch(context.Background(), "hello", reply.ChannelAudio)
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Dispatch took %v, want bounded by timeout", elapsed)
		}
		if !r.Fallback || r.Text != defaultApology || r.Channel != reply.ChannelAudio {
			t.Errorf("Dispatch = %+v, want default apology on audio", r)
		}
	})

	t.Run("empty reply", func(t *testing.T) {
		t.Parallel()
		d, _ := newTestDispatcher(&replymock.Generator{Reply: []byte("   ")}, nil, ResponseConfig{})

		r := d.Dispatch(context.Background(), "hello", reply.ChannelAudio)
		if !r.Fallback {
			t.Errorf("Dispatch = %+v, want apology for empty output", r)
		}
	})
}

func TestDispatcher_HistoryAndPersistence(t *testing.T) {
	t.Parallel()
	store := &memorymock.Store{}
	g := &replymock.Generator{GenerateFunc: func(req reply.Request) ([]byte, error) {
		return []byte(`{"response":"echo ` + req.Message + `"}`), nil
	}}
	d, h := newTestDispatcher(g, store, ResponseConfig{})

	d.Dispatch(context.Background(), "first", reply.ChannelAudio)
	d.Dispatch(context.Background(), "second", reply.ChannelText)

	reqs := g.Requests()
	if len(reqs) != 2 {
		t.Fatalf("Generate calls = %d, want 2", len(reqs))
	}
	if len(reqs[0].History) != 0 {
		t.Errorf("first request history = %v, want empty", reqs[0].History)
	}
	wantPrior := []llm.Message{llm.UserMessage("first"), llm.AssistantMessage("echo first")}
	if len(reqs[1].History) != len(wantPrior) {
		t.Fatalf("second request history = %v, want %v", reqs[1].History, wantPrior)
	}
	for i, m := range wantPrior {
		got := reqs[1].History[i]
		if got.Role != m.Role || got.Content != m.Content {
			t.Errorf("history[%d] = %+v, want %+v", i, got, m)
		}
	}
	if reqs[1].InputChannel != reply.ChannelText {
		t.Errorf("InputChannel = %q, want text", reqs[1].InputChannel)
	}

	if n := h.Len(); n != 4 {
		t.Errorf("history length = %d, want 4", n)
	}

	turns := store.Turns()
	want := []struct {
		speaker memory.Speaker
		text    string
		channel string
	}{
		{memory.SpeakerCaller, "first", "audio"},
		{memory.SpeakerAssistant, "echo first", "audio"},
		{memory.SpeakerCaller, "second", "text"},
		{memory.SpeakerAssistant, "echo second", "text"},
	}
	if len(turns) != len(want) {
		t.Fatalf("stored %d turns, want %d", len(turns), len(want))
	}
	for i, w := range want {
		got := turns[i]
		if got.SessionID != "sess-1" || got.CallerID != "+4930" || got.Speaker != w.speaker || got.Text != w.text || got.Channel != w.channel {
			t.Errorf("turn[%d] = %+v, want %s %q on %s", i, got, w.speaker, w.text, w.channel)
		}
	}
}

func TestDispatcher_StoreFailureDoesNotBlockReply(t *testing.T) {
	t.Parallel()
	store := &memorymock.Store{AppendErr: errors.New("db down")}
	d, _ := newTestDispatcher(&replymock.Generator{Reply: []byte(`{"response":"ok"}`)}, store, ResponseConfig{})

	r := d.Dispatch(context.Background(), "hello", reply.ChannelAudio)
	if r.Text != "ok" || r.Fallback {
		t.Errorf("Dispatch = %+v, want normal reply despite store failure", r)
	}
}
