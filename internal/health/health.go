// Package health exposes an HTTP health/readiness/liveness surface and a
// per-service snapshot endpoint over the Service Manager's running state.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/joao-brasil/l4relay/internal/service"
)

// Status is the coarse health verdict returned by /health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the JSON body served by /health and /health/ready.
type Report struct {
	Status    Status    `json:"status"`
	Timestamp string    `json:"timestamp"`
	Services  []summary `json:"services"`
}

type summary struct {
	Name         string `json:"name"`
	Protocol     string `json:"protocol"`
	TCPSessions  int64  `json:"tcp_sessions"`
	UDPSessions  int64  `json:"udp_sessions"`
	BackendCount int    `json:"backend_count"`
	BackendsDown int    `json:"backends_in_cooldown"`
}

// Server exposes the relay's health and observability surface.
type Server struct {
	mgr *service.Manager
	srv *http.Server
}

// NewServer builds a health HTTP server bound to addr (e.g. ":9000").
// Routes are not yet serving until Start is called.
func NewServer(addr string, mgr *service.Manager) *Server {
	mux := http.NewServeMux()
	s := &Server{mgr: mgr}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLive)
	mux.HandleFunc("/services", s.handleServices)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Printf("[health] HTTP server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) report() Report {
	snaps := s.mgr.Snapshots()
	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make([]summary, 0, len(snaps)),
	}
	for _, snap := range snaps {
		down := 0
		for _, b := range snap.Backends {
			if b.FailureCount == 2 {
				down++
			}
		}
		if down == len(snap.Backends) && len(snap.Backends) > 0 {
			report.Status = StatusUnhealthy
		}
		report.Services = append(report.Services, summary{
			Name:         snap.Name,
			Protocol:     string(snap.Protocol),
			TCPSessions:  snap.TCPSessions,
			UDPSessions:  snap.UDPSessions,
			BackendCount: len(snap.Backends),
			BackendsDown: down,
		})
	}
	return report
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.report()
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.mgr.Snapshots())
}
