// Package httpapi exposes the pool over HTTP: a stateless SQL-over-HTTP
// endpoint that acquires a lease, runs one statement, and returns it, plus
// the operational surface (metrics, status, health, shutdown) the teacher's
// REST API exposed for its tenant pools.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlgateway/connpool/internal/config"
	"github.com/sqlgateway/connpool/internal/health"
	"github.com/sqlgateway/connpool/internal/metrics"
	"github.com/sqlgateway/connpool/internal/pool"
)

// Server is the SQL-over-HTTP request server plus its admin surface.
type Server struct {
	index       *pool.GlobalIndex
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
	logger      *slog.Logger
}

// NewServer creates a new request server bound to a connection index.
func NewServer(idx *pool.GlobalIndex, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		index:       idx,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
		logger:      logger,
	}
}

// Start begins serving on lc.HTTPBind:lc.HTTPPort. The admin surface
// (metrics/status/health) shares the mux but is intended to sit behind
// lc.AdminBind/AdminPort when the operator fronts this with a reverse
// proxy that splits the two; routing both through one mux keeps local
// development and tests simple.
func (s *Server) Start() error {
	r := mux.NewRouter()

	r.HandleFunc("/sql", s.sqlHandler).Methods("POST")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.HandleFunc("/shutdown", s.shutdownHandler).Methods("POST")
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.listenCfg.HTTPBind, s.listenCfg.HTTPPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("httpapi listening", "addr", addr)

	go func() {
		var err error
		if s.listenCfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.listenCfg.TLSCert, s.listenCfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("httpapi server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- SQL-over-HTTP ---

type sqlRequest struct {
	Endpoint  string `json:"endpoint"`
	Database  string `json:"database"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Query     string `json:"query"`
	Options   string `json:"options,omitempty"`
	ForceNew  bool   `json:"force_new,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type sqlResponse struct {
	CommandTag string `json:"command_tag"`
	SessionID  string `json:"session_id"`
}

func (s *Server) sqlHandler(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Endpoint == "" || req.Database == "" || req.Username == "" || req.Query == "" {
		cfgErr := &pool.ConfigurationError{Message: "endpoint, database, username, and query are required"}
		writeError(w, http.StatusBadRequest, cfgErr.Error())
		return
	}

	sessionID := uuid.New()
	if req.SessionID != "" {
		parsed, err := uuid.Parse(req.SessionID)
		if err == nil {
			sessionID = parsed
		}
	}

	info := pool.ConnInfo{
		Username: req.Username,
		Dbname:   req.Database,
		Hostname: req.Endpoint,
		Password: req.Password,
		Options:  req.Options,
	}

	lease, err := s.index.Acquire(r.Context(), info, req.ForceNew, sessionID, r.RemoteAddr)
	if err != nil {
		s.logger.Warn("sql request: acquire failed", "conn_info", info.String(), "err", err)
		writeError(w, acquireErrStatus(err), "acquire failed: "+err.Error())
		return
	}

	result, queryErr := lease.Query(r.Context(), req.Query)
	if queryErr != nil {
		lease.Discard()
		lease.Close()
		writeError(w, http.StatusBadGateway, "query failed: "+queryErr.Error())
		return
	}

	lease.CheckIdle(pool.ReadyIdle)
	lease.Close()

	writeJSON(w, http.StatusOK, sqlResponse{
		CommandTag: result.CommandTag,
		SessionID:  sessionID.String(),
	})
}

// --- Admin surface ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"endpoints": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"listen": map[string]interface{}{
			"http_bind": s.listenCfg.HTTPBind,
			"http_port": s.listenCfg.HTTPPort,
		},
	})
}

func (s *Server) shutdownHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("shutdown requested over http")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting_down"})
	go func() {
		s.index.Shutdown()
	}()
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}

// acquireErrStatus maps a pool.Acquire error to an HTTP status code by its
// taxonomy kind rather than a flat 502 for everything.
func acquireErrStatus(err error) int {
	var cfgErr *pool.ConfigurationError
	var authErr *pool.AuthorizationError
	var wakeErr *pool.WakeComputeError
	var hashErr *pool.HashError
	var transportErr *pool.TransportError

	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusForbidden
	case errors.As(err, &hashErr):
		return http.StatusInternalServerError
	case errors.As(err, &wakeErr), errors.As(err, &transportErr):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
