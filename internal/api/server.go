// Package api serves the local miner status and control endpoints.
package api

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bardlex/gominer/internal/jsonx"
	"github.com/bardlex/gominer/internal/report"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const prefix = "/api/v1"

// StatusSource provides the status snapshot
type StatusSource interface {
	Snapshot() report.Status
}

// Reconnector drops the pool connection and returns to the configured pool
type Reconnector interface {
	RequestReset()
}

// HealthFunc checks the telemetry stores; nil means healthy
type HealthFunc func(ctx context.Context) error

// HistoryFunc reads sink telemetry over a window
type HistoryFunc func(ctx context.Context, window time.Duration) (any, error)

const (
	defaultHistoryWindow = time.Hour
	maxHistoryWindow     = 7 * 24 * time.Hour
)

// Server routes the API
type Server struct {
	*mux.Router

	status  StatusSource
	control Reconnector
	health  HealthFunc
	history HistoryFunc
	logger  *log.Logger

	availablePaths []string
}

// NewServer creates the router. health may be nil.
func NewServer(status StatusSource, control Reconnector, health HealthFunc, logger *log.Logger) *Server {
	s := &Server{
		Router:  mux.NewRouter(),
		status:  status,
		control: control,
		health:  health,
		logger:  logger.WithComponent("api"),
	}

	s.RegisterFunc(prefix, s.indexFunc, http.MethodGet)
	s.RegisterFunc(prefix+"/status", s.statusFunc, http.MethodGet)
	s.RegisterFunc(prefix+"/health", s.healthFunc, http.MethodGet)
	s.RegisterFunc(prefix+"/devices/{id:[0-9]+}", s.deviceFunc, http.MethodGet)
	s.RegisterFunc(prefix+"/history", s.historyFunc, http.MethodGet)
	s.RegisterFunc(prefix+"/reconnect", s.reconnectFunc, http.MethodPost)
	s.Use(mux.CORSMethodMiddleware(s.Router))

	return s
}

// SetHistory enables GET /history. The endpoint reads back telemetry the
// optional Redis and InfluxDB sinks already hold: expiring counters, rolling
// rate samples and metric series. The miner keeps no share records of its own.
func (s *Server) SetHistory(fn HistoryFunc) {
	s.history = fn
}

// RegisterFunc adds a route and lists it on the index
func (s *Server) RegisterFunc(path string, fn func(http.ResponseWriter, *http.Request), methods ...string) {
	s.HandleFunc(path, fn).Methods(methods...)
	s.availablePaths = append(s.availablePaths, path)
}

// Serve listens on addr until ctx ends
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "api_listen", "failed to listen").
			WithContext("addr", addr)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("API server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "api_serve", "API server failed")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	raw, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}

func (s *Server) indexFunc(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.availablePaths)
}

func (s *Server) statusFunc(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) deviceFunc(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device id"})
		return
	}

	snap := s.status.Snapshot()
	if id >= len(snap.Stats.Workers) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown device"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Stats.Workers[id])
}

func (s *Server) historyFunc(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no history store configured"})
		return
	}

	window := defaultHistoryWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxHistoryWindow {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid window"})
			return
		}
		window = d
	}

	h, err := s.history(r.Context(), window)
	if err != nil {
		s.logger.WithError(err).Warn("history query failed")
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "history unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) healthFunc(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()
	body := map[string]any{"pool": snap.Pool.State}

	code := http.StatusOK
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			body["storage"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if snap.Pool.State != stratum.StateConnected.String() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, body)
}

func (s *Server) reconnectFunc(w http.ResponseWriter, _ *http.Request) {
	s.logger.Info("reconnect requested through the API")
	s.control.RequestReset()
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"reconnecting": true})
}
