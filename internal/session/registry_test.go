package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(h *sessionHarness, cfg RegistryConfig, opts ...RegistryOption) *Registry {
	return NewRegistry(cfg, h.cfg, h.deps(), opts...)
}

func TestRegistry_CreateGetRemove(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	r := newTestRegistry(h, RegistryConfig{})

	s, err := r.Create(context.Background(), h.info, h.transport)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, ok := r.Get("call-1")
	if !ok || got != s {
		t.Fatalf("Get = %v, %v; want the created session", got, ok)
	}
	if n := r.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}

	if !r.Remove("call-1") {
		t.Error("Remove = false, want true")
	}
	select {
	case <-s.Done():
	default:
		t.Error("session not closed by Remove")
	}
	if _, ok := r.Get("call-1"); ok {
		t.Error("session still registered after Remove")
	}
	if r.Remove("call-1") {
		t.Error("second Remove = true, want false")
	}
	if st := r.Stats(); st.Active != 0 || st.Created != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestRegistry_GeneratesID(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	h.info.ID = ""
	r := newTestRegistry(h, RegistryConfig{})

	s, err := r.Create(context.Background(), h.info, h.transport)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = r.CloseAll(context.Background()) })
	if len(s.ID()) != 36 {
		t.Errorf("ID = %q, want a UUID", s.ID())
	}
	if _, ok := r.Get(s.ID()); !ok {
		t.Error("generated id not registered")
	}
}

func TestRegistry_Limits(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	r := newTestRegistry(h, RegistryConfig{MaxSessions: 1})
	t.Cleanup(func() { _ = r.CloseAll(context.Background()) })

	if _, err := r.Create(context.Background(), h.info, h.transport); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(context.Background(), h.info, &fakeTransport{}); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("Create over limit = %v, want ErrRegistryFull", err)
	}
	if st := r.Stats(); st.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", st.Rejected)
	}
	if c := r.Capacity(); c != 0 {
		t.Errorf("Capacity = %d, want 0", c)
	}

	r2 := newTestRegistry(h, RegistryConfig{MaxSessions: 5})
	t.Cleanup(func() { _ = r2.CloseAll(context.Background()) })
	if _, err := r2.Create(context.Background(), h.info, &fakeTransport{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r2.Create(context.Background(), h.info, &fakeTransport{}); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("duplicate Create = %v, want ErrDuplicateSession", err)
	}
}

func TestRegistry_CreateFailureFreesSlot(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	h.segmenter.StartErr = errors.New("no python")
	r := newTestRegistry(h, RegistryConfig{MaxSessions: 1})

	if _, err := r.Create(context.Background(), h.info, h.transport); !errors.Is(err, ErrPipeline) {
		t.Fatalf("Create = %v, want ErrPipeline", err)
	}
	if c := r.Capacity(); c != 1 {
		t.Errorf("Capacity = %d after failed Create, want 1", c)
	}
}

func TestRegistry_SweepIdle(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	r := newTestRegistry(h, RegistryConfig{IdleTimeout: time.Minute})

	s, err := r.Create(context.Background(), h.info, h.transport)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if n := r.SweepIdle(time.Now()); n != 0 {
		t.Errorf("SweepIdle(now) = %d, want 0", n)
	}
	if n := r.SweepIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("SweepIdle(later) = %d, want 1", n)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("idle session not closed")
	}
	if n := r.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	evs := h.transport.eventsOf(EventStatus)
	if len(evs) != 1 || evs[0].Status != StatusIdleTimeout {
		t.Errorf("status events = %+v", evs)
	}
}

func TestRegistry_KeepAlive(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	r := newTestRegistry(h, RegistryConfig{})
	t.Cleanup(func() { _ = r.CloseAll(context.Background()) })

	if _, err := r.Create(context.Background(), h.info, h.transport); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.KeepAlive(time.Now().Add(time.Minute))
	if _, keepAlive, _ := h.stt.LastSession().Counts(); keepAlive != 1 {
		t.Errorf("KeepAlive calls = %d, want 1", keepAlive)
	}
}

func TestRegistry_FatalSessionIsReported(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()

	var (
		mu     sync.Mutex
		gotID  string
		gotErr error
	)
	r := newTestRegistry(h, RegistryConfig{}, WithFatalHandler(func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotID, gotErr = id, err
	}))

	s, err := r.Create(context.Background(), h.info, h.transport)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.vad().Die(errors.New("segfault"))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate")
	}
	waitFor(t, time.Second, "unregistered", func() bool { return r.Count() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if gotID != "call-1" || !errors.Is(gotErr, ErrPipeline) {
		t.Errorf("fatal handler got (%q, %v)", gotID, gotErr)
	}
	if st := r.Stats(); st.Failed != 1 {
		t.Errorf("Failed = %d, want 1", st.Failed)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	r := newTestRegistry(h, RegistryConfig{})

	var sessions []*Session
	transports := []*fakeTransport{{}, {}, {}}
	for i, tr := range transports {
		info := h.info
		info.ID = string(rune('a' + i))
		s, err := r.Create(context.Background(), info, tr)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		sessions = append(sessions, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	for i, s := range sessions {
		select {
		case <-s.Done():
		default:
			t.Errorf("session %d still running", i)
		}
		evs := transports[i].eventsOf(EventStatus)
		if len(evs) != 1 || evs[0].Status != StatusShutdown {
			t.Errorf("session %d status events = %+v", i, evs)
		}
	}
	if n := r.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	if _, err := r.Create(context.Background(), h.info, &fakeTransport{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Create after CloseAll = %v, want ErrClosed", err)
	}
}

func TestRegistry_LatencyAverages(t *testing.T) {
	t.Parallel()
	r := NewRegistry(RegistryConfig{}, Config{}, Deps{Logger: discardLogger()})

	r.observeLatency("generation", 100*time.Millisecond)
	r.observeLatency("generation", 300*time.Millisecond)
	r.observeLatency("stt", 50*time.Millisecond)

	st := r.Stats()
	if st.AvgGeneration != 200*time.Millisecond {
		t.Errorf("AvgGeneration = %v, want 200ms", st.AvgGeneration)
	}
	if st.AvgSTT != 50*time.Millisecond {
		t.Errorf("AvgSTT = %v, want 50ms", st.AvgSTT)
	}
	if st.AvgSynthesis != 0 {
		t.Errorf("AvgSynthesis = %v, want 0", st.AvgSynthesis)
	}
}

func TestRegistry_Run(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	h.cfg.Transcription.KeepAliveInterval = 10 * time.Millisecond
	r := newTestRegistry(h, RegistryConfig{KeepAliveTick: 5 * time.Millisecond, IdleTimeout: time.Hour})
	t.Cleanup(func() { _ = r.CloseAll(context.Background()) })

	if _, err := r.Create(context.Background(), h.info, h.transport); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, time.Second, "keep-alive from ticker", func() bool {
		_, keepAlive, _ := h.stt.LastSession().Counts()
		return keepAlive > 0
	})
	cancel()
	if err := recv(t, done, time.Second); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRegistry_UpdateConfigAppliesToNewSessions(t *testing.T) {
	t.Parallel()
	h := newSessionHarness()
	h.cfg.MaxHistory = 4
	r := newTestRegistry(h, RegistryConfig{})
	t.Cleanup(func() { _ = r.CloseAll(context.Background()) })

	first, err := r.Create(context.Background(), h.info, h.transport)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated := h.cfg
	updated.MaxHistory = 9
	r.UpdateConfig(updated)

	info := h.info
	info.ID = "call-2"
	second, err := r.Create(context.Background(), info, h.transport)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.cfg.MaxHistory != 4 {
		t.Errorf("live session MaxHistory = %d, want 4", first.cfg.MaxHistory)
	}
	if second.cfg.MaxHistory != 9 {
		t.Errorf("new session MaxHistory = %d, want 9", second.cfg.MaxHistory)
	}
}
