package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/mysqlrouter/internal/config"
	"github.com/dbbouncer/mysqlrouter/internal/health"
	"github.com/dbbouncer/mysqlrouter/internal/metrics"
	"github.com/dbbouncer/mysqlrouter/internal/pool"
	"github.com/dbbouncer/mysqlrouter/internal/router"
)

// Server is the read-only REST status surface: per-route status, pool
// stats, Prometheus metrics, and liveness/readiness.
type Server struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	restCfg     config.RestConfig
}

// NewServer creates a new API server.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, rc config.RestConfig) *Server {
	return &Server{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		restCfg:     rc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/routes", s.listRoutes).Methods("GET")
	r.HandleFunc("/routes/{name}/status", s.routeStatus).Methods("GET")
	r.HandleFunc("/routes/{name}/pause", s.pauseRoute).Methods("POST")
	r.HandleFunc("/routes/{name}/resume", s.resumeRoute).Methods("POST")
	r.HandleFunc("/connection_pool/main/status", s.connectionPoolStatus).Methods("GET")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.restCfg.Bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("api: listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Route handlers ---

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.router.ListRoutes()
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": names})
}

// routeStatus answers /routes/<name>/status: the route's configuration
// plus per-destination health and the route's pause state.
func (s *Server) routeStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	rc, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	destinations := make([]map[string]interface{}, 0, len(rc.Destinations))
	for _, d := range rc.Destinations {
		entry := map[string]interface{}{"address": d.Addr()}
		if s.healthCheck != nil {
			dh := s.healthCheck.GetStatus(d.Addr())
			entry["status"] = dh.Status.String()
			entry["consecutive_failures"] = dh.ConsecutiveFailures
			entry["last_check"] = dh.LastCheck
			if dh.LastError != "" {
				entry["last_error"] = dh.LastError
			}
		}
		destinations = append(destinations, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":         rc.Name,
		"strategy":     rc.Strategy,
		"paused":       s.router.IsPaused(name),
		"destinations": destinations,
	})
}

func (s *Server) pauseRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.router.PauseRoute(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown route %q", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "route": name})
}

func (s *Server) resumeRoute(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.router.ResumeRoute(name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown route %q", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "route": name})
}

// connectionPoolStatus answers /connection_pool/main/status: per-route
// pool stats from the single connection-pool manager every route shares.
func (s *Server) connectionPoolStatus(w http.ResponseWriter, r *http.Request) {
	if s.poolMgr == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"routes": map[string]pool.Stats{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": s.poolMgr.AllStats()})
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.healthCheck == nil || s.healthCheck.OverallHealthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": boolToStatus(healthy)})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Status handler ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"routes":         len(s.router.ListRoutes()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc":     mem.HeapAlloc,
	})
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
