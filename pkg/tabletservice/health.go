// Package tabletservice exposes the tablet node's HTTP health/ready
// surface: /health liveness, /ready readiness (checking the
// replicated log and the mounted-tablet registry), and /metrics
// endpoints on one http.ServeMux.
package tabletservice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tablekit/tabletnode/pkg/metrics"
	"github.com/tablekit/tabletnode/pkg/replicatedlog"
)

// Registry reports which tablets are currently mounted, used by the
// readiness check to report the mounted-tablet count.
type Registry interface {
	MountedTabletIDs() []string
}

// PeerProber issues a pooled HTTP GET against a peer node, satisfied
// by *connpool.Pool.
type PeerProber interface {
	Get(host, path string, timeout time.Duration) (int, []byte, error)
}

// HealthServer provides HTTP health/ready/metrics/cluster endpoints
// for one tablet node process.
type HealthServer struct {
	rlog     *replicatedlog.Log
	registry Registry
	mux      *http.ServeMux

	prober PeerProber
	peers  []string
}

func NewHealthServer(rlog *replicatedlog.Log, registry Registry) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{rlog: rlog, registry: registry, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/cluster", hs.clusterHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// SetPeerProbe binds the prober /cluster uses to reach the other
// tablet nodes' health endpoints. Must be called before Start.
func (hs *HealthServer) SetPeerProbe(prober PeerProber, peers []string) {
	hs.prober = prober
	hs.peers = peers
}

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

func (hs *HealthServer) GetHandler() http.Handler { return hs.mux }

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler reports ready when this replica's replicated log is out
// of recovery and either leads or knows its leader. The mounted-tablet
// count is reported under "tablets" but does not affect readiness.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.rlog != nil {
		if hs.rlog.IsRecovery() {
			checks["replicated_log"] = "recovering"
			ready = false
			message = "replicated log still catching up"
		} else if hs.rlog.IsLeader() {
			checks["replicated_log"] = "leader"
		} else if addr := hs.rlog.LeaderAddr(); addr != "" {
			checks["replicated_log"] = fmt.Sprintf("follower (leader: %s)", addr)
		} else {
			checks["replicated_log"] = "no leader elected"
			ready = false
			message = "waiting for leader election"
		}
	} else {
		checks["replicated_log"] = "not initialized"
		ready = false
	}

	if hs.registry != nil {
		ids := hs.registry.MountedTabletIDs()
		checks["tablets"] = fmt.Sprintf("%d mounted", len(ids))
	} else {
		checks["tablets"] = "registry not initialized"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status: status, Timestamp: time.Now(), Checks: checks, Message: message,
	})
}

// ClusterResponse reports the health of every configured peer tablet
// node as seen from this one.
type ClusterResponse struct {
	Timestamp time.Time         `json:"timestamp"`
	Peers     map[string]string `json:"peers"`
}

// clusterHandler probes each configured peer's /health endpoint
// through the connection pool and reports per-peer reachability.
func (hs *HealthServer) clusterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := make(map[string]string, len(hs.peers))
	for _, addr := range hs.peers {
		if hs.prober == nil {
			peers[addr] = "prober not configured"
			continue
		}
		status, _, err := hs.prober.Get(addr, "/health", 2*time.Second)
		switch {
		case err != nil:
			peers[addr] = fmt.Sprintf("unreachable: %v", err)
		case status != http.StatusOK:
			peers[addr] = fmt.Sprintf("unhealthy (status %d)", status)
		default:
			peers[addr] = "healthy"
		}
	}
	writeJSON(w, http.StatusOK, ClusterResponse{Timestamp: time.Now(), Peers: peers})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
