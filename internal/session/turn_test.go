package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
	turnmock "github.com/MrWong99/voxgate/pkg/provider/turn/mock"
)

func TestTurnState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state TurnState
		want  string
	}{
		{StateIdle, "idle"},
		{StateAwaitingFinal, "awaiting_final"},
		{StatePendingCompletionCheck, "pending_completion_check"},
		{StateGracePeriod, "grace_period"},
		{StateDispatching, "dispatching"},
		{StateResponding, "responding"},
		{TurnState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("TurnState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestJoinFragments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frags []string
		want  string
	}{
		{"empty", nil, ""},
		{"single", []string{"hello"}, "hello"},
		{"words", []string{"I want to", "cancel my order"}, "I want to cancel my order"},
		{"comma", []string{"I need help with my order", ", it hasn't arrived"}, "I need help with my order, it hasn't arrived"},
		{"period", []string{"Thanks", ". Bye"}, "Thanks. Bye"},
		{"question", []string{"Is it shipped", "?"}, "Is it shipped?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := joinFragments(tt.frags); got != tt.want {
				t.Errorf("joinFragments(%q) = %q, want %q", tt.frags, got, tt.want)
			}
		})
	}
}

// turnHarness runs a TurnAggregator with a recording dispatch function.
type turnHarness struct {
	agg        *TurnAggregator
	history    *History
	dispatched chan Turn

	mu       sync.Mutex
	playback chan struct{} // returned by dispatch when set
}

func newTurnHarness(t *testing.T, mc *turnmock.Classifier, cfg TurnConfig) *turnHarness {
	t.Helper()
	h := &turnHarness{
		history:    NewHistory(10),
		dispatched: make(chan Turn, 16),
	}
	var c turn.Classifier
	if mc != nil {
		c = mc
	}
	h.agg = NewTurnAggregator(c, h.history, h.dispatch, cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go h.agg.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.agg.Done()
	})
	return h
}

func (h *turnHarness) dispatch(_ context.Context, t Turn) <-chan struct{} {
	h.dispatched <- t
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playback == nil {
		return nil
	}
	return h.playback
}

func (h *turnHarness) playWith(ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playback = ch
}

func (h *turnHarness) waitState(t *testing.T, want TurnState) {
	t.Helper()
	waitFor(t, 2*time.Second, "state "+want.String(), func() bool { return h.agg.State() == want })
}

func expectNoDispatch(t *testing.T, ch <-chan Turn, within time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected dispatch %+v", d)
	case <-time.After(within):
	}
}

func TestTurnAggregator_CompleteTurnDispatchesOnce(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{Default: turnmock.Result{EndOfTurn: true}}
	h := newTurnHarness(t, c, TurnConfig{GracePeriod: time.Second})

	h.agg.SpeechStart()
	h.waitState(t, StateAwaitingFinal)
	h.agg.SpeechEnd()
	h.agg.Final("Where is my package?")

	got := recv(t, h.dispatched, time.Second)
	if got.Text != "Where is my package?" || got.Channel != reply.ChannelAudio || got.Seq != 1 {
		t.Errorf("dispatched %+v", got)
	}
	h.waitState(t, StateIdle)
	expectNoDispatch(t, h.dispatched, 50*time.Millisecond)

	if n := len(h.agg.buffer); n != 0 {
		t.Errorf("buffer has %d fragments after dispatch", n)
	}
	if c.CallCount() != 1 {
		t.Errorf("classifier calls = %d, want 1", c.CallCount())
	}
}

func TestTurnAggregator_ClassifierSeesHistory(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{Default: turnmock.Result{EndOfTurn: true}}
	h := newTurnHarness(t, c, TurnConfig{})
	h.history.Append(Entry{Speaker: memory.SpeakerAssistant, Text: "How can I help?"})

	h.agg.Final("my order")
	recv(t, h.dispatched, time.Second)

	c2 := c.Calls[0]
	want := []llm.Message{llm.AssistantMessage("How can I help?"), llm.UserMessage("my order")}
	if len(c2) != len(want) || c2[0] != want[0] || c2[1] != want[1] {
		t.Errorf("classifier messages = %+v, want %+v", c2, want)
	}
}

func TestTurnAggregator_TwoFragmentScenario(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{
		Results: []turnmock.Result{{EndOfTurn: false}, {EndOfTurn: true}},
	}
	h := newTurnHarness(t, c, TurnConfig{GracePeriod: 5 * time.Second})

	h.agg.Final("I need help with my order")
	h.waitState(t, StateGracePeriod)
	expectNoDispatch(t, h.dispatched, 30*time.Millisecond)

	h.agg.Final(", it hasn't arrived")
	got := recv(t, h.dispatched, time.Second)
	if want := "I need help with my order, it hasn't arrived"; got.Text != want {
		t.Errorf("dispatched %q, want %q", got.Text, want)
	}
	if c.CallCount() != 2 {
		t.Fatalf("classifier calls = %d, want 2", c.CallCount())
	}
	if u := c.LastUtterance(); u != "I need help with my order, it hasn't arrived" {
		t.Errorf("second classifier call saw %q", u)
	}
	expectNoDispatch(t, h.dispatched, 50*time.Millisecond)
}

func TestTurnAggregator_FailOpenOnGraceExpiry(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{Default: turnmock.Result{EndOfTurn: false}}
	h := newTurnHarness(t, c, TurnConfig{GracePeriod: 30 * time.Millisecond})

	start := time.Now()
	h.agg.Final("so I was thinking")
	got := recv(t, h.dispatched, time.Second)
	if got.Text != "so I was thinking" {
		t.Errorf("dispatched %q", got.Text)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("dispatched after %v, before the grace period ended", elapsed)
	}
}

func TestTurnAggregator_GraceRearmsWhileSpeaking(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{Default: turnmock.Result{EndOfTurn: false}}
	h := newTurnHarness(t, c, TurnConfig{GracePeriod: 20 * time.Millisecond})

	h.agg.SpeechStart()
	h.agg.Final("and then")
	h.waitState(t, StateGracePeriod)
	expectNoDispatch(t, h.dispatched, 100*time.Millisecond)

	h.agg.SpeechEnd()
	got := recv(t, h.dispatched, time.Second)
	if got.Text != "and then" {
		t.Errorf("dispatched %q", got.Text)
	}
}

func TestTurnAggregator_FailOpenOnClassifierError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c    *turnmock.Classifier
		cfg  TurnConfig
	}{
		{
			name: "error",
			c:    &turnmock.Classifier{Default: turnmock.Result{Err: errors.New("503")}},
		},
		{
			name: "timeout",
			c:    &turnmock.Classifier{Block: true},
			cfg:  TurnConfig{ClassifierTimeout: 20 * time.Millisecond},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTurnHarness(t, tt.c, tt.cfg)
			h.agg.Final("cancel my subscription")
			got := recv(t, h.dispatched, time.Second)
			if got.Text != "cancel my subscription" {
				t.Errorf("dispatched %q", got.Text)
			}
		})
	}
}

func TestTurnAggregator_DeduplicatesFinals(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := &turnmock.Classifier{
		EndOfTurnFunc: func(ctx context.Context, _ []llm.Message) (bool, error) {
			select {
			case <-release:
				return true, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		},
	}
	h := newTurnHarness(t, c, TurnConfig{ClassifierTimeout: 5 * time.Second})

	h.agg.Final("yes please")
	h.agg.Final("yes please")
	h.agg.Final("  yes please ")
	close(release)

	got := recv(t, h.dispatched, time.Second)
	if got.Text != "yes please" {
		t.Errorf("dispatched %q, want a single copy", got.Text)
	}
	if n := c.CallCount(); n != 1 {
		t.Errorf("classifier calls = %d, want 1 (duplicates do not re-check)", n)
	}
}

func TestTurnAggregator_RepeatAfterDispatchIgnored(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{Default: turnmock.Result{EndOfTurn: true}}
	h := newTurnHarness(t, c, TurnConfig{})

	h.agg.Final("I need help with my order")
	if got := recv(t, h.dispatched, time.Second); got.Text != "I need help with my order" {
		t.Fatalf("dispatched %q", got.Text)
	}
	h.waitState(t, StateIdle)

	h.agg.Final("I need help with my order")
	expectNoDispatch(t, h.dispatched, 100*time.Millisecond)
	if n := c.CallCount(); n != 1 {
		t.Errorf("classifier calls = %d, want 1", n)
	}

	h.agg.Final("it hasn't arrived")
	if got := recv(t, h.dispatched, time.Second); got.Text != "it hasn't arrived" {
		t.Errorf("dispatched %q, want the new utterance only", got.Text)
	}
}

func TestTurnAggregator_NonConsecutiveRepeatKept(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{
		Results: []turnmock.Result{{EndOfTurn: false}, {EndOfTurn: false}},
		Default: turnmock.Result{EndOfTurn: true},
	}
	h := newTurnHarness(t, c, TurnConfig{GracePeriod: 5 * time.Second})

	h.agg.Final("yes")
	h.waitState(t, StateGracePeriod)
	h.agg.Final("no")
	waitFor(t, time.Second, "second check", func() bool { return c.CallCount() == 2 })
	h.waitState(t, StateGracePeriod)
	h.agg.Final("yes")

	if got := recv(t, h.dispatched, time.Second); got.Text != "yes no yes" {
		t.Errorf("dispatched %q, want %q", got.Text, "yes no yes")
	}
}

func TestTurnAggregator_StaleVerdictIgnored(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	firstRelease := make(chan struct{})
	c := &turnmock.Classifier{
		EndOfTurnFunc: func(ctx context.Context, _ []llm.Message) (bool, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				<-firstRelease
				return true, nil
			}
			return false, nil
		},
	}
	h := newTurnHarness(t, c, TurnConfig{GracePeriod: 5 * time.Second, ClassifierTimeout: 5 * time.Second})

	h.agg.Final("I want to")
	h.agg.Final("change my address")
	waitFor(t, time.Second, "second classifier call", func() bool { return c.CallCount() == 2 })
	h.waitState(t, StateGracePeriod)

	close(firstRelease)
	expectNoDispatch(t, h.dispatched, 50*time.Millisecond)
	if h.agg.State() != StateGracePeriod {
		t.Errorf("state = %v, want grace_period (stale verdict must be ignored)", h.agg.State())
	}
}

func TestTurnAggregator_RespondingAndHeldFinals(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{Default: turnmock.Result{EndOfTurn: true}}
	h := newTurnHarness(t, c, TurnConfig{})
	playback := make(chan struct{})
	h.playWith(playback)

	h.agg.Final("tell me a story")
	first := recv(t, h.dispatched, time.Second)
	h.waitState(t, StateResponding)

	h.agg.Final("actually never mind")
	expectNoDispatch(t, h.dispatched, 50*time.Millisecond)
	if c.CallCount() != 1 {
		t.Errorf("classifier ran while responding: %d calls", c.CallCount())
	}

	h.playWith(nil)
	close(playback)

	second := recv(t, h.dispatched, time.Second)
	if second.Text != "actually never mind" || second.Seq != first.Seq+1 {
		t.Errorf("second dispatch = %+v", second)
	}
	h.waitState(t, StateIdle)
}

func TestTurnAggregator_ChatBypassesClassifier(t *testing.T) {
	t.Parallel()

	c := &turnmock.Classifier{Default: turnmock.Result{EndOfTurn: false}}
	h := newTurnHarness(t, c, TurnConfig{GracePeriod: time.Hour})

	h.agg.Chat("what are your opening hours?")
	got := recv(t, h.dispatched, time.Second)
	if got.Channel != reply.ChannelText || got.Text != "what are your opening hours?" {
		t.Errorf("dispatched %+v", got)
	}
	if c.CallCount() != 0 {
		t.Errorf("classifier calls = %d, want 0", c.CallCount())
	}
	h.waitState(t, StateIdle)
}

func TestTurnAggregator_ChatQueuedWhileBusy(t *testing.T) {
	t.Parallel()

	h := newTurnHarness(t, nil, TurnConfig{})
	playback := make(chan struct{})
	h.playWith(playback)

	h.agg.Final("hello")
	recv(t, h.dispatched, time.Second)
	h.waitState(t, StateResponding)

	h.agg.Chat("typed while you talk")
	expectNoDispatch(t, h.dispatched, 30*time.Millisecond)

	h.playWith(nil)
	close(playback)
	got := recv(t, h.dispatched, time.Second)
	if got.Channel != reply.ChannelText || got.Text != "typed while you talk" {
		t.Errorf("queued chat dispatched as %+v", got)
	}
}
