// Package health serves the liveness, readiness, status and metrics
// endpoints of an agent or master.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/session"
)

// StatusSource is implemented by session.Manager.
type StatusSource interface {
	Status() session.Status
	Ready() bool
}

// Config wires the optional collaborators reported on.
type Config struct {
	Instance string
	Source   StatusSource
	// Listener reports command listener counters. Nil on the master console.
	Listener func() control.ListenerStats
	// MQTTConnected reports broker connectivity. Nil when MQTT is disabled.
	MQTTConnected func() bool
	Logger        *slog.Logger
}

// HealthStatus is the readiness document.
type HealthStatus struct {
	Status        string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64                  `json:"uptime_seconds"`
	State         session.State          `json:"state"`
	SessionID     string                 `json:"session_id,omitempty"`
	DeviceReady   bool                   `json:"device_ready"`
	MQTTEnabled   bool                   `json:"mqtt_enabled"`
	MQTTConnected bool                   `json:"mqtt_connected"`
	Listener      *control.ListenerStats `json:"listener,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
}

// Server exposes the endpoints.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("health: server requires a status source")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "health"),
		started: time.Now(),
	}, nil
}

// Check computes the readiness document.
func (s *Server) Check() HealthStatus {
	st := s.cfg.Source.Status()
	hs := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		State:         st.State,
		SessionID:     st.SessionID,
		DeviceReady:   s.cfg.Source.Ready(),
		LastError:     st.LastError,
	}
	if s.cfg.MQTTConnected != nil {
		hs.MQTTEnabled = true
		hs.MQTTConnected = s.cfg.MQTTConnected()
	}
	if s.cfg.Listener != nil {
		ls := s.cfg.Listener()
		hs.Listener = &ls
	}

	switch {
	case !hs.DeviceReady:
		hs.Status = "unhealthy"
	case hs.MQTTEnabled && !hs.MQTTConnected:
		hs.Status = "degraded"
	}
	return hs
}

// LivenessHandler handles /health.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "alive",
		"instance": s.cfg.Instance,
		"uptime":   int64(time.Since(s.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. It answers 503 while the capture
// device could not be acquired on the last prepare.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hs := s.Check()
	code := http.StatusOK
	if hs.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, hs)
}

// StatusHandler handles /status.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Source.Status())
}

// MetricsHandler handles /metrics in the Prometheus text format.
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Source.Status()
	labels := fmt.Sprintf("{instance=%q,role=%q}", s.cfg.Instance, string(st.Role))

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "orion_sync_uptime_seconds%s %d\n", labels, int64(time.Since(s.started).Seconds()))
	fmt.Fprintf(w, "orion_sync_state%s %d\n", labels, int(st.State))
	fmt.Fprintf(w, "orion_sync_session_samples%s %d\n", labels, st.Samples)
	fmt.Fprintf(w, "orion_sync_session_elapsed_seconds%s %f\n", labels, st.Elapsed.Seconds())
	fmt.Fprintf(w, "orion_sync_clock_offset_seconds%s %f\n", labels, st.Offset)
	if s.cfg.Listener != nil {
		ls := s.cfg.Listener()
		fmt.Fprintf(w, "orion_sync_commands_received_total%s %d\n", labels, ls.Received)
		fmt.Fprintf(w, "orion_sync_commands_malformed_total%s %d\n", labels, ls.DecodeErrors)
		fmt.Fprintf(w, "orion_sync_commands_dropped_total%s %d\n", labels, ls.Dropped)
	}
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/status", s.StatusHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	return mux
}

// Serve runs the HTTP server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/status", "/metrics"},
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("health server shutdown: %w", err)
		}
		return nil
	}
}

// ListenAndServe binds :port and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("bind health port %d: %w", port, err)
	}
	return s.Serve(ctx, ln)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
