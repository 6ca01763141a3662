package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	audiomock "github.com/MrWong99/voxgate/pkg/audio/mock"
	ttsmock "github.com/MrWong99/voxgate/pkg/provider/tts/mock"
)

// recordingSink is an AudioSink that records what it receives.
type recordingSink struct {
	mu        sync.Mutex
	chunks    [][]byte
	clears    int
	afterStop [][]byte // chunks received after Clear
	err       error

	// onChunk, if set, is called with the 1-based index of each chunk.
	onChunk func(n int)
}

func (s *recordingSink) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.chunks = append(s.chunks, bytes.Clone(chunk))
	if s.clears > 0 {
		s.afterStop = append(s.afterStop, bytes.Clone(chunk))
	}
	n := len(s.chunks)
	fn := s.onChunk
	s.mu.Unlock()
	if fn != nil {
		fn(n)
	}
	return nil
}

func (s *recordingSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func (s *recordingSink) snapshot() (chunks, afterStop [][]byte, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...), append([][]byte(nil), s.afterStop...), s.clears
}

func newTestOutbound(synth *ttsmock.Provider, cfg OutboundConfig) *Outbound {
	return NewOutbound(audio.Telephony, synth, &audiomock.Transcoder{}, cfg, ResponseConfig{
		SynthesisTimeout: 200 * time.Millisecond,
		Apology:          "sorry",
	}, nil, discardLogger())
}

// speech returns n chunks of non-silent telephony audio.
func speech(o *Outbound, n int) []byte {
	return bytes.Repeat([]byte{0x10}, o.ChunkBytes()*n)
}

func TestOutbound_PacesChunks(t *testing.T) {
	t.Parallel()

	o := newTestOutbound(&ttsmock.Provider{}, OutboundConfig{ChunkDuration: 20 * time.Millisecond})
	if o.ChunkBytes() != 160 {
		t.Fatalf("ChunkBytes = %d, want 160 for 20ms of 8kHz mu-law", o.ChunkBytes())
	}

	sink := &recordingSink{}
	pcm := append(speech(o, 9), 0x10, 0x10, 0x10) // 9 full chunks and a partial one
	results := make(chan StreamResult, 1)

	start := time.Now()
	h := o.Stream(context.Background(), pcm, sink, func(r StreamResult) { results <- r })
	if !o.IsStreaming() {
		t.Error("IsStreaming = false right after Stream")
	}
	res := recv(t, results, 2*time.Second)
	<-h.Done()
	elapsed := time.Since(start)

	if res.Sent != 10 || res.Total != 10 || res.Cancelled || res.Err != nil {
		t.Errorf("result = %+v", res)
	}
	if elapsed < 9*20*time.Millisecond {
		t.Errorf("10 chunks took %v, faster than real time", elapsed)
	}
	chunks, _, clears := sink.snapshot()
	if len(chunks[0]) != 160 || len(chunks[9]) != 3 {
		t.Errorf("chunk sizes = %d ... %d", len(chunks[0]), len(chunks[9]))
	}
	if clears != 0 {
		t.Errorf("clears = %d on a completed stream", clears)
	}
	if o.IsStreaming() {
		t.Error("IsStreaming = true after the stream ended")
	}
	if h.Cancel() {
		t.Error("Cancel after completion should report false")
	}
}

func TestOutbound_CancelAtChunkFifty(t *testing.T) {
	t.Parallel()

	o := newTestOutbound(&ttsmock.Provider{}, OutboundConfig{ChunkDuration: 20 * time.Millisecond, SilenceChunks: 3})
	reached := make(chan struct{})
	var once sync.Once
	sink := &recordingSink{onChunk: func(n int) {
		if n == 50 {
			once.Do(func() { close(reached) })
		}
	}}

	h := o.Stream(context.Background(), speech(o, 200), sink, nil)
	<-reached
	if !o.BargeIn(context.Background()) {
		t.Fatal("BargeIn did not cancel the running stream")
	}
	sentAtCancel := h.Sent()
	<-h.Done()

	if sentAtCancel >= 52 {
		t.Errorf("chunks sent when Cancel returned = %d, want < 52", sentAtCancel)
	}
	if h.Sent() != sentAtCancel {
		t.Errorf("chunks kept flowing after Cancel: %d -> %d", sentAtCancel, h.Sent())
	}
	_, after, clears := sink.snapshot()
	if clears != 1 {
		t.Errorf("clears = %d, want 1", clears)
	}
	if len(after) != 3 {
		t.Errorf("chunks after clear = %d, want 3 silence chunks", len(after))
	}
	for _, c := range after {
		if !bytes.Equal(c, audio.Telephony.Silence(o.ChunkBytes())) {
			t.Error("non-silent chunk sent after cancellation")
		}
	}
}

func TestOutbound_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	o := newTestOutbound(&ttsmock.Provider{}, OutboundConfig{ChunkDuration: 10 * time.Millisecond, SilenceChunks: -1})
	sink := &recordingSink{}
	h := o.Stream(context.Background(), speech(o, 100), sink, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Cancel() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	<-h.Done()

	if wins != 1 {
		t.Errorf("Cancel reported success %d times, want 1", wins)
	}
	_, after, clears := sink.snapshot()
	if clears != 1 || len(after) != 0 {
		t.Errorf("clears = %d, chunks after clear = %d; want 1 and 0", clears, len(after))
	}
}

func TestOutbound_BargeInCooldown(t *testing.T) {
	t.Parallel()

	o := newTestOutbound(&ttsmock.Provider{}, OutboundConfig{ChunkDuration: 10 * time.Millisecond, BargeInCooldown: 500 * time.Millisecond})
	base := time.Unix(100, 0)
	var mu sync.Mutex
	now := base
	o.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	if o.BargeIn(context.Background()) {
		t.Fatal("BargeIn without a stream reported a cancellation")
	}

	h1 := o.Stream(context.Background(), speech(o, 100), &recordingSink{}, nil)
	if !o.BargeIn(context.Background()) {
		t.Fatal("first BargeIn did not cancel")
	}
	<-h1.Done()

	h2 := o.Stream(context.Background(), speech(o, 100), &recordingSink{}, nil)
	advance(100 * time.Millisecond)
	if o.BargeIn(context.Background()) {
		t.Error("BargeIn within the cooldown cancelled the stream")
	}
	advance(500 * time.Millisecond)
	if !o.BargeIn(context.Background()) {
		t.Error("BargeIn after the cooldown did not cancel")
	}
	<-h2.Done()
}

func TestOutbound_NewStreamStopsPrevious(t *testing.T) {
	t.Parallel()

	o := newTestOutbound(&ttsmock.Provider{}, OutboundConfig{ChunkDuration: 10 * time.Millisecond})
	sink := &recordingSink{}
	first := make(chan StreamResult, 1)
	h1 := o.Stream(context.Background(), speech(o, 100), sink, func(r StreamResult) { first <- r })
	h2 := o.Stream(context.Background(), speech(o, 2), sink, nil)

	res := recv(t, first, time.Second)
	if !res.Cancelled {
		t.Error("first stream not cancelled by the second")
	}
	<-h1.Done()
	<-h2.Done()
	if _, _, clears := sink.snapshot(); clears != 0 {
		t.Errorf("replacing a stream must not clear the sink, clears = %d", clears)
	}
}

func TestOutbound_SinkErrorEndsStream(t *testing.T) {
	t.Parallel()

	o := newTestOutbound(&ttsmock.Provider{}, OutboundConfig{ChunkDuration: 5 * time.Millisecond})
	sink := &recordingSink{err: errors.New("connection closed")}
	results := make(chan StreamResult, 1)
	o.Stream(context.Background(), speech(o, 10), sink, func(r StreamResult) { results <- r })

	res := recv(t, results, time.Second)
	if res.Err == nil || res.Sent != 0 {
		t.Errorf("result = %+v, want the sink error and nothing sent", res)
	}
}

func TestOutbound_Speak(t *testing.T) {
	t.Parallel()

	t.Run("renders and streams", func(t *testing.T) {
		t.Parallel()
		synth := &ttsmock.Provider{Audio: make([]byte, 480)}
		o := newTestOutbound(synth, OutboundConfig{ChunkDuration: 5 * time.Millisecond})
		sink := &recordingSink{}

		h, err := o.Speak(context.Background(), "your order shipped", sink, nil)
		if err != nil {
			t.Fatalf("Speak: %v", err)
		}
		<-h.Done()
		if got := synth.Texts(); len(got) != 1 || got[0] != "your order shipped" {
			t.Errorf("synthesized %q", got)
		}
		if chunks, _, _ := sink.snapshot(); len(chunks) != 3 {
			t.Errorf("chunks = %d, want 3", len(chunks))
		}
	})

	t.Run("transcodes to the wire format", func(t *testing.T) {
		t.Parallel()
		synth := &ttsmock.Provider{
			Audio:       make([]byte, 960),
			AudioFormat: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 24000, Channels: 1},
		}
		tr := &audiomock.Transcoder{ConvertFunc: func(b []byte) []byte { return make([]byte, len(b)/6) }}
		o := NewOutbound(audio.Telephony, synth, tr, OutboundConfig{ChunkDuration: 5 * time.Millisecond}, ResponseConfig{}, nil, discardLogger())

		pcm, err := o.Render(context.Background(), "hi")
		if err != nil {
			t.Fatalf("Render: %v", err)
		}
		if len(pcm) != 160 {
			t.Errorf("rendered %d bytes, want 160", len(pcm))
		}
		if tr.CallCount() != 1 || tr.Calls[0].To != audio.Telephony {
			t.Errorf("transcoder calls = %+v", tr.Calls)
		}
	})

	t.Run("falls back to the apology", func(t *testing.T) {
		t.Parallel()
		synth := &ttsmock.Provider{Audio: make([]byte, 160), SynthesizeErr: errors.New("quota"), FailFirst: 1}
		o := newTestOutbound(synth, OutboundConfig{ChunkDuration: 5 * time.Millisecond})

		h, err := o.Speak(context.Background(), "long answer", &recordingSink{}, nil)
		if err == nil {
			t.Error("expected the synthesis error to be reported")
		}
		if h == nil {
			t.Fatal("expected the apology to be played")
		}
		<-h.Done()
		if got := synth.Texts(); len(got) != 2 || got[1] != "sorry" {
			t.Errorf("synthesized %q, want the reply then the apology", got)
		}
	})

	t.Run("nothing playable", func(t *testing.T) {
		t.Parallel()
		synth := &ttsmock.Provider{SynthesizeErr: errors.New("down")}
		o := newTestOutbound(synth, OutboundConfig{})

		h, err := o.Speak(context.Background(), "hello", &recordingSink{}, nil)
		if err == nil || h != nil {
			t.Errorf("Speak = %v, %v; want nil handle and an error", h, err)
		}
	})

	t.Run("synthesis timeout", func(t *testing.T) {
		t.Parallel()
		synth := &ttsmock.Provider{Block: true}
		o := newTestOutbound(synth, OutboundConfig{})

		start := time.Now()
		_, err := o.Render(context.Background(), "hello")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Render = %v, want deadline exceeded", err)
		}
		if time.Since(start) > time.Second {
			t.Error("synthesis timeout not applied")
		}
	})
}
