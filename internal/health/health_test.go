package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voxgate/internal/resilience"
)

func pass(name string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return nil }}
}

func fail(name, msg string) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return errors.New(msg) }}
}

// serve routes one GET through a mux with h registered and decodes the body.
func serve(t *testing.T, h *Handler, req *http.Request) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(fail("storage", "down"))
	h.Drain()

	code, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if code != http.StatusOK || body.Status != "ok" || len(body.Checks) != 0 {
		t.Errorf("healthz = %d %+v; liveness must ignore readiness", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{pass("storage"), pass("sessions")},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"storage": "ok", "sessions": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{fail("storage", "connection refused"), pass("sessions")},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"storage": "fail: connection refused", "sessions": "ok"},
		},
		{
			name:       "all fail",
			checkers:   []Checker{fail("stt", "all 2 backends unavailable"), fail("sessions", "no session capacity left")},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"stt": "fail: all 2 backends unavailable", "sessions": "fail: no session capacity left"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers...), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			wantStatus := "ok"
			if tt.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("status = %q, want %q", body.Status, wantStatus)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("checks[%s] = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestReadyz_Draining(t *testing.T) {
	t.Parallel()
	h := New(pass("sessions"))
	if code, _ := serve(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil)); code != http.StatusOK {
		t.Fatalf("before drain: %d", code)
	}
	h.Drain()
	code, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if code != http.StatusServiceUnavailable || body.Checks["draining"] != "fail: shutting down" || body.Checks["sessions"] != "ok" {
		t.Errorf("after drain: %d %+v", code, body)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))
	if code != http.StatusServiceUnavailable || body.Checks["slow"] != "fail: "+context.Canceled.Error() {
		t.Errorf("got %d %+v", code, body)
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()
	remaining := 1
	c := Capacity(func() int { return remaining })
	if c.Name != "sessions" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check with free slots = %v, want nil", err)
	}
	remaining = 0
	if err := c.Check(context.Background()); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("Check when full = %v, want ErrNoCapacity", err)
	}
}

func TestBreakers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		states  map[string]resilience.State
		wantErr bool
	}{
		{name: "none", states: nil},
		{name: "all closed", states: map[string]resilience.State{"a": resilience.StateClosed}},
		{name: "one half open", states: map[string]resilience.State{"a": resilience.StateOpen, "b": resilience.StateHalfOpen}},
		{name: "all open", states: map[string]resilience.State{"a": resilience.StateOpen, "b": resilience.StateOpen}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Breakers("tts", func() map[string]resilience.State { return tt.states })
			if c.Name != "tts" {
				t.Errorf("Name = %q", c.Name)
			}
			err := c.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
