package replicatedlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Mutation is one state change submitted through the replicated log.
// The ops cmd/tabletnode registers are HandleTransactionBarrier,
// SplitPartition, MergePartitions and UpdatePartitionSampleKeys.
type Mutation struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Applier is implemented by whatever owns the tablet-cell state the
// log replicates. A cell's log takes one Applier; cmd/tabletnode passes
// a CompositeApplier that routes ops to txmanager and the balancer.
// Apply must
// be deterministic: every replica's Applier must reach the same state
// from the same mutation sequence.
type Applier interface {
	Apply(mutation Mutation) error
}

// Snapshotter is optionally implemented by an Applier that can produce
// and restore a compact point-in-time snapshot of its state, so the
// raft log can be truncated.
type Snapshotter interface {
	Snapshot() (json.RawMessage, error)
	Restore(json.RawMessage) error
}

// fsm adapts an Applier to raft.FSM through one opaque Mutation
// envelope instead of a hardcoded operation switch, since the
// log is shared by several cell-level components rather than one
// fixed cluster-state store.
type fsm struct {
	mu      sync.RWMutex
	applier Applier
}

func newFSM(applier Applier) *fsm {
	return &fsm{applier: applier}
}

func (f *fsm) Apply(entry *raft.Log) interface{} {
	var m Mutation
	if err := json.Unmarshal(entry.Data, &m); err != nil {
		return fmt.Errorf("replicatedlog: unmarshal mutation: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applier.Apply(m)
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snapper, ok := f.applier.(Snapshotter)
	if !ok {
		return &fsmSnapshot{}, nil
	}
	data, err := snapper.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: snapshot: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("replicatedlog: read snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snapper, ok := f.applier.(Snapshotter)
	if !ok {
		return nil
	}
	return snapper.Restore(raw)
}

type fsmSnapshot struct {
	data json.RawMessage
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
