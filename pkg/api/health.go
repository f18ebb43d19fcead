package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/iwhitebird/valka/pkg/cluster"
	"github.com/iwhitebird/valka/pkg/metrics"
	"github.com/iwhitebird/valka/pkg/store"
)

// HealthServer serves liveness/readiness/metrics over plain HTTP,
// alongside (not instead of) the gRPC control/API and worker services.
type HealthServer struct {
	store   store.Store
	cluster *cluster.Manager
	mux     *http.ServeMux
}

// NewHealthServer builds a health server bound to st and clus for its
// readiness checks.
func NewHealthServer(st store.Store, clus *cluster.Manager) *HealthServer {
	hs := &HealthServer{store: st, cluster: clus, mux: http.NewServeMux()}
	hs.mux.HandleFunc("/health", hs.healthHandler)
	hs.mux.HandleFunc("/ready", hs.readyHandler)
	hs.mux.Handle("/metrics", metrics.Handler())
	return hs
}

// Start serves the health endpoints on addr; it blocks until the server
// stops.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler returns the HTTP handler, for embedding in another server.
func (hs *HealthServer) Handler() http.Handler { return hs.mux }

type healthResponse struct {
	Status string `json:"status"`
}

// healthHandler is a pure liveness check: 200 if the process can answer at
// all.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "healthy"})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// readyHandler checks that the store answers, returning 503 if it does not.
// When a cluster manager is set, its node id is reported under "cluster" for
// information only; it never makes the node not ready.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if _, err := hs.store.DistinctQueueNames(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		ready = false
	} else {
		checks["store"] = "ok"
	}

	if hs.cluster != nil {
		checks["cluster"] = "node_id=" + hs.cluster.NodeID()
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(readyResponse{Status: status, Checks: checks})
}
