package tabletservice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/replicatedlog"
)

type fakeRegistry struct{ ids []string }

func (r fakeRegistry) MountedTabletIDs() []string { return r.ids }

type nopApplier struct{}

func (nopApplier) Apply(replicatedlog.Mutation) error { return nil }

func TestHealthHandlerReturnsHealthy(t *testing.T) {
	hs := NewHealthServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHealthHandlerRejectsNonGet(t *testing.T) {
	hs := NewHealthServer(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadyHandlerNotReadyWithoutReplicatedLogOrRegistry(t *testing.T) {
	hs := NewHealthServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "not initialized", resp.Checks["replicated_log"])
	assert.Equal(t, "registry not initialized", resp.Checks["tablets"])
}

func TestReadyHandlerReportsMountedTabletCount(t *testing.T) {
	hs := NewHealthServer(nil, fakeRegistry{ids: []string{"t1", "t2"}})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, req)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2 mounted", resp.Checks["tablets"])
}

func TestReadyHandlerReadyOnceReplicatedLogBecomesLeader(t *testing.T) {
	cfg := config.ReplicatedLogConfig{
		NodeID:             "node1",
		BindAddr:           "127.0.0.1:0",
		DataDir:            t.TempDir(),
		HeartbeatTimeout:   50 * time.Millisecond,
		ElectionTimeout:    50 * time.Millisecond,
		CommitTimeout:      10 * time.Millisecond,
		LeaderLeaseTimeout: 25 * time.Millisecond,
		ApplyTimeout:       2 * time.Second,
		Bootstrap:          true,
	}
	rlog, err := replicatedlog.Open(cfg, nopApplier{})
	require.NoError(t, err)
	defer rlog.Shutdown()

	require.Eventually(t, func() bool { return rlog.IsLeader() }, 2*time.Second, 10*time.Millisecond)

	hs := NewHealthServer(rlog, fakeRegistry{ids: []string{"t1"}})
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "leader", resp.Checks["replicated_log"])
}

type fakeProber struct {
	status map[string]int
	err    map[string]error
	calls  []string
}

func (p *fakeProber) Get(host, path string, timeout time.Duration) (int, []byte, error) {
	p.calls = append(p.calls, host+path)
	if err := p.err[host]; err != nil {
		return 0, nil, err
	}
	return p.status[host], nil, nil
}

func TestClusterHandlerReportsPerPeerHealth(t *testing.T) {
	prober := &fakeProber{
		status: map[string]int{"peer-a:8080": http.StatusOK, "peer-b:8080": http.StatusServiceUnavailable},
		err:    map[string]error{"peer-c:8080": assert.AnError},
	}
	hs := NewHealthServer(nil, nil)
	hs.SetPeerProbe(prober, []string{"peer-a:8080", "peer-b:8080", "peer-c:8080"})

	req := httptest.NewRequest(http.MethodGet, "/cluster", nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ClusterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Peers["peer-a:8080"])
	assert.Equal(t, "unhealthy (status 503)", resp.Peers["peer-b:8080"])
	assert.Contains(t, resp.Peers["peer-c:8080"], "unreachable")
	assert.Contains(t, prober.calls, "peer-a:8080/health", "the probe must hit each peer's health endpoint")
}

func TestClusterHandlerEmptyWithoutPeers(t *testing.T) {
	hs := NewHealthServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/cluster", nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ClusterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Peers)
}

func TestMetricsEndpointIsWired(t *testing.T) {
	hs := NewHealthServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
