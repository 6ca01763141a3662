package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
)

// TurnState is the state of a session's turn-completion machine.
type TurnState int32

const (
	// StateIdle means nothing is being heard or answered.
	StateIdle TurnState = iota

	// StateAwaitingFinal means the caller is speaking and no final
	// transcript has arrived yet.
	StateAwaitingFinal

	// StatePendingCompletionCheck means the classifier is deciding whether
	// the buffered utterance is a complete turn.
	StatePendingCompletionCheck

	// StateGracePeriod means the classifier said the caller is not done and
	// the aggregator is waiting for more speech.
	StateGracePeriod

	// StateDispatching means a turn was handed to the dispatcher and the
	// reply is being generated.
	StateDispatching

	// StateResponding means reply audio is being played to the caller.
	StateResponding
)

// String returns the state name.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFinal:
		return "awaiting_final"
	case StatePendingCompletionCheck:
		return "pending_completion_check"
	case StateGracePeriod:
		return "grace_period"
	case StateDispatching:
		return "dispatching"
	case StateResponding:
		return "responding"
	default:
		return "unknown"
	}
}

// busy reports whether a reply is in flight.
func (s TurnState) busy() bool {
	return s == StateDispatching || s == StateResponding
}

// Turn is a completed caller turn.
type Turn struct {
	// Text is the joined utterance.
	Text string

	// Channel is the channel the caller used.
	Channel reply.Channel

	// Seq numbers the turns of a session starting at 1.
	Seq uint64
}

// DispatchFunc answers a completed turn. It returns a channel that is
// closed when playback of the reply ends, or nil when nothing is played.
type DispatchFunc func(ctx context.Context, t Turn) <-chan struct{}

type turnEventKind int

const (
	evActivity turnEventKind = iota
	evInterim
	evFinal
	evSpeechStart
	evSpeechEnd
	evChat
	evVerdict
	evGraceExpired
	evDispatchDone
	evStreamDone
)

type turnEvent struct {
	kind     turnEventKind
	text     string
	seq      uint64
	complete bool
	err      error
	playing  bool
}

// TurnAggregator collects final transcripts into an utterance and decides,
// with the help of a [turn.Classifier], when the caller has finished a turn.
// All state is owned by the goroutine running [TurnAggregator.Run]; the
// input methods only post events to it and are safe for concurrent use.
//
// A classifier error counts as "turn complete", and so does a grace period
// that expires while the caller is silent.
type TurnAggregator struct {
	classifier turn.Classifier
	history    *History
	dispatch   DispatchFunc
	cfg        TurnConfig
	log        *slog.Logger

	events chan turnEvent
	done   chan struct{}
	state  atomic.Int32
	wg     sync.WaitGroup

	// Owned by the Run goroutine.
	ctx         context.Context
	buffer      []string
	lastFinal   string // survives dispatch; STT repeats a final after Finalize
	chats       []string
	checkSeq    uint64
	dispatchSeq uint64
	vadActive   bool
	grace       *time.Timer
}

// NewTurnAggregator returns an aggregator in [StateIdle]. A nil classifier
// treats every final as a complete turn.
func NewTurnAggregator(c turn.Classifier, h *History, dispatch DispatchFunc, cfg TurnConfig, log *slog.Logger) *TurnAggregator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.ClassifierTimeout <= 0 {
		cfg.ClassifierTimeout = defaultClassifierTimeout
	}
	return &TurnAggregator{
		classifier: c,
		history:    h,
		dispatch:   dispatch,
		cfg:        cfg,
		log:        log,
		events:     make(chan turnEvent, 64),
		done:       make(chan struct{}),
	}
}

// State returns the current state.
func (a *TurnAggregator) State() TurnState { return TurnState(a.state.Load()) }

// Activity notes that caller audio is flowing.
func (a *TurnAggregator) Activity() {
	if a.State() == StateIdle {
		a.post(turnEvent{kind: evActivity})
	}
}

// Interim notes an interim transcript.
func (a *TurnAggregator) Interim(text string) { a.post(turnEvent{kind: evInterim, text: text}) }

// Final adds a final transcript fragment. A final equal to the one before it
// is a transcriber repeat and is ignored, even across a dispatch.
func (a *TurnAggregator) Final(text string) { a.post(turnEvent{kind: evFinal, text: text}) }

// SpeechStart notes that the segmenter detected the start of speech.
func (a *TurnAggregator) SpeechStart() { a.post(turnEvent{kind: evSpeechStart}) }

// SpeechEnd notes that the segmenter detected the end of speech.
func (a *TurnAggregator) SpeechEnd() { a.post(turnEvent{kind: evSpeechEnd}) }

// Chat submits a typed message. It skips classification and is answered
// as a text-channel turn once no other reply is in flight.
func (a *TurnAggregator) Chat(text string) { a.post(turnEvent{kind: evChat, text: text}) }

// Done is closed when Run has returned.
func (a *TurnAggregator) Done() <-chan struct{} { return a.done }

// Run processes events until ctx is cancelled. It waits for in-flight
// classifier and dispatch calls to return before it does.
func (a *TurnAggregator) Run(ctx context.Context) {
	a.ctx = ctx
	defer a.wg.Wait()
	defer close(a.done)
	defer a.stopGrace()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.handle(ev)
		}
	}
}

func (a *TurnAggregator) post(ev turnEvent) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *TurnAggregator) handle(ev turnEvent) {
	switch ev.kind {
	case evActivity, evInterim:
		if a.State() == StateIdle {
			a.setState(StateAwaitingFinal)
		}
	case evSpeechStart:
		a.vadActive = true
		if a.State() == StateIdle {
			a.setState(StateAwaitingFinal)
		}
	case evSpeechEnd:
		a.vadActive = false
	case evFinal:
		a.onFinal(ev.text)
	case evChat:
		a.onChat(ev.text)
	case evVerdict:
		a.onVerdict(ev)
	case evGraceExpired:
		a.onGraceExpired(ev.seq)
	case evDispatchDone:
		if ev.seq != a.dispatchSeq || a.State() != StateDispatching {
			return
		}
		if ev.playing {
			a.setState(StateResponding)
			return
		}
		a.becomeIdle()
	case evStreamDone:
		if ev.seq == a.dispatchSeq && a.State() == StateResponding {
			a.becomeIdle()
		}
	}
}

func (a *TurnAggregator) onFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if text == a.lastFinal {
		a.log.Debug("duplicate final ignored", "text", text)
		return
	}
	a.lastFinal = text
	a.buffer = append(a.buffer, text)
	if a.State().busy() {
		a.log.Debug("final held until the current reply ends", "fragments", len(a.buffer))
		return
	}
	a.check()
}

func (a *TurnAggregator) onChat(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if a.State().busy() {
		a.chats = append(a.chats, text)
		return
	}
	a.stopGrace()
	a.checkSeq++
	a.startDispatch(Turn{Text: text, Channel: reply.ChannelText})
}

// check asks the classifier whether the buffered utterance is complete.
func (a *TurnAggregator) check() {
	a.stopGrace()
	a.checkSeq++
	a.setState(StatePendingCompletionCheck)

	if a.classifier == nil {
		a.dispatchBuffer()
		return
	}

	seq := a.checkSeq
	msgs := append(a.history.Messages(), llm.UserMessage(joinFragments(a.buffer)))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, a.cfg.ClassifierTimeout)
		defer cancel()
		complete, err := a.classifier.EndOfTurn(ctx, msgs)
		a.post(turnEvent{kind: evVerdict, seq: seq, complete: complete, err: err})
	}()
}

func (a *TurnAggregator) onVerdict(ev turnEvent) {
	if ev.seq != a.checkSeq || a.State() != StatePendingCompletionCheck {
		return
	}
	switch {
	case ev.err != nil:
		a.log.Warn("turn classifier failed, treating turn as complete", "err", ev.err)
		a.dispatchBuffer()
	case ev.complete:
		a.dispatchBuffer()
	default:
		a.setState(StateGracePeriod)
		a.startGrace()
	}
}

func (a *TurnAggregator) onGraceExpired(seq uint64) {
	if seq != a.checkSeq || a.State() != StateGracePeriod {
		return
	}
	if a.vadActive {
		a.startGrace()
		return
	}
	a.dispatchBuffer()
}

func (a *TurnAggregator) startGrace() {
	a.stopGrace()
	seq := a.checkSeq
	a.grace = time.AfterFunc(a.cfg.GracePeriod, func() {
		a.post(turnEvent{kind: evGraceExpired, seq: seq})
	})
}

func (a *TurnAggregator) stopGrace() {
	if a.grace != nil {
		a.grace.Stop()
		a.grace = nil
	}
}

// dispatchBuffer snapshots and clears the utterance buffer and dispatches it.
func (a *TurnAggregator) dispatchBuffer() {
	text := joinFragments(a.buffer)
	a.buffer = nil
	a.stopGrace()
	a.checkSeq++
	a.startDispatch(Turn{Text: text, Channel: reply.ChannelAudio})
}

func (a *TurnAggregator) startDispatch(t Turn) {
	a.dispatchSeq++
	seq := a.dispatchSeq
	t.Seq = seq
	a.setState(StateDispatching)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		playback := a.dispatch(a.ctx, t)
		a.post(turnEvent{kind: evDispatchDone, seq: seq, playing: playback != nil})
		if playback == nil {
			return
		}
		select {
		case <-playback:
			a.post(turnEvent{kind: evStreamDone, seq: seq})
		case <-a.ctx.Done():
		}
	}()
}

func (a *TurnAggregator) becomeIdle() {
	a.setState(StateIdle)
	if len(a.chats) > 0 {
		next := a.chats[0]
		a.chats = a.chats[1:]
		a.startDispatch(Turn{Text: next, Channel: reply.ChannelText})
		return
	}
	if len(a.buffer) > 0 {
		a.check()
	}
}

func (a *TurnAggregator) setState(s TurnState) {
	if old := TurnState(a.state.Swap(int32(s))); old != s {
		a.log.Debug("turn state changed", "from", old, "to", s)
	}
}

// joinFragments joins final fragments with single spaces, except before a
// fragment that starts with punctuation.
func joinFragments(frags []string) string {
	var b strings.Builder
	for i, f := range frags {
		if i > 0 && !strings.ContainsAny(f[:1], ",.;:!?") {
			b.WriteByte(' ')
		}
		b.WriteString(f)
	}
	return b.String()
}
