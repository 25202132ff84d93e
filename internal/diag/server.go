// Package diag exposes a session's liveness over HTTP: a JSON
// /debug/session snapshot, a /healthz check, a /status process summary, and
// a Prometheus /metrics endpoint when a collector is supplied. Narrowed from
// the teacher's multi-tenant admin API (tenant CRUD, pause/resume, the HTML
// dashboard) down to read-only routes for a single connection: nothing here
// mutates session state.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbendium/pgwire/internal/metrics"
)

// SessionSnapshot is the JSON-serializable view of a Session's current
// state, decoupled from the root package to avoid an import cycle (diag
// is imported BY the root package, not the other way around).
type SessionSnapshot struct {
	State       string `json:"state"`
	ProcessID   uint32 `json:"process_id"`
	TxStatus    string `json:"tx_status"`
	QueueDepth  int    `json:"queue_depth"`
	Active      bool   `json:"active_query"`
	ConnectedAt string `json:"connected_at,omitempty"`
}

// SnapshotProvider is implemented by *pgwire.Session.
type SnapshotProvider interface {
	DiagSnapshot() SessionSnapshot
}

// Server is a minimal HTTP introspection server for one session.
type Server struct {
	provider   SnapshotProvider
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds a diag Server. metrics may be nil, in which case the
// /metrics route is not registered.
func NewServer(provider SnapshotProvider, m *metrics.Collector) *Server {
	return &Server{provider: provider, metrics: m, startTime: time.Now()}
}

// Start begins serving on addr (e.g. "127.0.0.1:6060") in the background.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/debug/session", s.sessionHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("diag introspection server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("diag server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the introspection server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.DiagSnapshot())
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.DiagSnapshot()
	if snap.State == "ready" || snap.State == "busy" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": snap.State})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      fmt.Sprintf("%.1f", float64(mem.Alloc)/1024/1024),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
