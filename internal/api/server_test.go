package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/jsonx"
	"github.com/bardlex/gominer/internal/report"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/pkg/log"
)

type fakeStatus struct {
	state string
}

func (f fakeStatus) Snapshot() report.Status {
	return report.Status{
		Worker: "rig",
		Pool:   stratum.Status{State: f.state, JobID: "j1"},
		Stats: stats.Snapshot{
			Accepted: 3,
			Workers:  []stats.WorkerSnapshot{{Worker: 0, Hashrate: 1e6}},
		},
	}
}

type fakeControl struct {
	resets atomic.Int32
}

func (f *fakeControl) RequestReset() { f.resets.Add(1) }

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatus(t *testing.T) {
	s := NewServer(fakeStatus{state: "connected"}, &fakeControl{}, nil, log.Nop())

	rec := do(t, s, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var got report.Status
	if err := jsonx.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Worker != "rig" || got.Pool.JobID != "j1" || got.Stats.Accepted != 3 {
		t.Errorf("status = %+v", got)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		state  string
		health HealthFunc
		want   int
	}{
		{"connected", "connected", nil, http.StatusOK},
		{"disconnected", "disconnected", nil, http.StatusServiceUnavailable},
		{"store down", "connected", func(context.Context) error { return stderrors.New("redis down") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(fakeStatus{state: tt.state}, &fakeControl{}, tt.health, log.Nop())
			if rec := do(t, s, http.MethodGet, "/api/v1/health"); rec.Code != tt.want {
				t.Errorf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestReconnect(t *testing.T) {
	ctl := &fakeControl{}
	s := NewServer(fakeStatus{state: "connected"}, ctl, nil, log.Nop())

	if rec := do(t, s, http.MethodGet, "/api/v1/reconnect"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET reconnect code = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/v1/reconnect"); rec.Code != http.StatusAccepted {
		t.Errorf("POST reconnect code = %d", rec.Code)
	}
	if ctl.resets.Load() != 1 {
		t.Errorf("resets = %d, want 1", ctl.resets.Load())
	}
}

func TestDevice(t *testing.T) {
	s := NewServer(fakeStatus{state: "connected"}, &fakeControl{}, nil, log.Nop())

	rec := do(t, s, http.MethodGet, "/api/v1/devices/0")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"hashrate":1000000`) {
		t.Errorf("device 0: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, http.MethodGet, "/api/v1/devices/4"); rec.Code != http.StatusNotFound {
		t.Errorf("device 4 code = %d", rec.Code)
	}
}

func TestIndexListsRoutes(t *testing.T) {
	s := NewServer(fakeStatus{}, &fakeControl{}, nil, log.Nop())
	rec := do(t, s, http.MethodGet, "/api/v1")
	for _, path := range []string{"/api/v1/status", "/api/v1/health", "/api/v1/reconnect"} {
		if !strings.Contains(rec.Body.String(), path) {
			t.Errorf("index %s misses %s", rec.Body.String(), path)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s := NewServer(fakeStatus{state: "connected"}, &fakeControl{}, nil, log.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHistory(t *testing.T) {
	var gotWindow time.Duration
	history := func(_ context.Context, window time.Duration) (any, error) {
		gotWindow = window
		if window == 2*time.Hour {
			return nil, stderrors.New("influx down")
		}
		return map[string]int{"accepted": 7}, nil
	}

	tests := []struct {
		name       string
		path       string
		want       int
		wantWindow time.Duration
	}{
		{"default window", "/api/v1/history", http.StatusOK, time.Hour},
		{"explicit window", "/api/v1/history?window=30m", http.StatusOK, 30 * time.Minute},
		{"bad window", "/api/v1/history?window=soon", http.StatusBadRequest, 0},
		{"window too long", "/api/v1/history?window=1000h", http.StatusBadRequest, 0},
		{"store error", "/api/v1/history?window=2h", http.StatusBadGateway, 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotWindow = 0
			s := NewServer(fakeStatus{state: "connected"}, &fakeControl{}, nil, log.Nop())
			s.SetHistory(history)

			rec := do(t, s, http.MethodGet, tt.path)
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
			if gotWindow != tt.wantWindow {
				t.Errorf("window = %v, want %v", gotWindow, tt.wantWindow)
			}
		})
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	s := NewServer(fakeStatus{state: "connected"}, &fakeControl{}, nil, log.Nop())
	if rec := do(t, s, http.MethodGet, "/api/v1/history"); rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}
