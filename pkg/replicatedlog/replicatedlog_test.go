package replicatedlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablekit/tabletnode/pkg/config"
)

func TestOpenBootstrapsSingleNodeAndBecomesLeader(t *testing.T) {
	applier := &fakeApplier{}
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

	log, err := Open(cfg, applier)
	require.NoError(t, err)
	defer log.Shutdown()

	require.Eventually(t, func() bool { return log.IsLeader() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, log.CreateMutation("SplitPartition", map[string]string{"partition": "p0"}))
	require.Len(t, applier.applied, 1)
	assert.Equal(t, "SplitPartition", applier.applied[0].Op)
}

func TestCreateMutationPropagatesApplierRejection(t *testing.T) {
	applier := &fakeApplier{err: assert.AnError}
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

	log, err := Open(cfg, applier)
	require.NoError(t, err)
	defer log.Shutdown()

	require.Eventually(t, func() bool { return log.IsLeader() }, 2*time.Second, 10*time.Millisecond)

	err = log.CreateMutation("Whatever", map[string]string{})
	assert.Error(t, err)
}
