// Package replicatedlog wires hashicorp/raft to a per-tablet-cell
// Applier through a generic mutation envelope, so several components
// (transaction manager, balancer) can share one cell-level log.
package replicatedlog

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/log"
)

// Log is one cell's replicated log.
type Log struct {
	raft     *raft.Raft
	fsm      *fsm
	cfg      config.ReplicatedLogConfig
	logger   zerolog.Logger
	applyTO  time.Duration
}

// Open creates (or rejoins, if on-disk raft state already exists) the
// replicated log backed by raft-boltdb log/stable stores and a
// file-based snapshot store, all laid out under cfg.DataDir.
func Open(cfg config.ReplicatedLogConfig, applier Applier) (*Log, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("replicatedlog: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	if cfg.HeartbeatTimeout > 0 {
		raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		raftCfg.ElectionTimeout = cfg.ElectionTimeout
	}
	if cfg.CommitTimeout > 0 {
		raftCfg.CommitTimeout = cfg.CommitTimeout
	}
	if cfg.LeaderLeaseTimeout > 0 {
		raftCfg.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: create stable store: %w", err)
	}

	f := newFSM(applier)
	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("replicatedlog: create raft: %w", err)
	}

	l := &Log{
		raft:    r,
		fsm:     f,
		cfg:     cfg,
		logger:  log.WithComponent("replicatedlog"),
		applyTO: cfg.ApplyTimeout,
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("replicatedlog: bootstrap cluster: %w", err)
		}
	}

	return l, nil
}

// CreateMutation serializes op/data and applies it through the log,
// blocking until it is committed (or ApplyTimeout elapses). Non-leader
// replicas return raft.ErrNotLeader; the caller (txmanager/balancer)
// redirects the request to the current leader.
func (l *Log) CreateMutation(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("replicatedlog: marshal mutation %s: %w", op, err)
	}
	m := Mutation{Op: op, Data: data}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	future := l.raft.Apply(raw, l.applyTO)
	if err := future.Error(); err != nil {
		return fmt.Errorf("replicatedlog: apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return fmt.Errorf("replicatedlog: applier rejected %s: %w", op, err)
		}
	}
	return nil
}

// Commit is an alias kept for call-site readability at mutation sites
// that want to read "propose, then wait for commit" rather than
// "apply" — both names refer to the same blocking operation.
func (l *Log) Commit(op string, payload any) error { return l.CreateMutation(op, payload) }

func (l *Log) IsLeader() bool { return l.raft.State() == raft.Leader }

// IsRecovery reports whether this replica is still catching up to the
// committed log (candidate/replaying) rather than serving steady-state
// traffic.
func (l *Log) IsRecovery() bool {
	state := l.raft.State()
	return state == raft.Candidate || l.raft.AppliedIndex() < l.raft.LastIndex()
}

func (l *Log) LeaderAddr() string { return string(l.raft.Leader()) }

// WatchLeadership invokes onGained/onLost as this replica wins or
// loses the leader role, until stop is closed. Callbacks run on the
// watcher goroutine; keep them short and non-blocking.
func (l *Log) WatchLeadership(onGained, onLost func(), stop <-chan struct{}) {
	go func() {
		ch := l.raft.LeaderCh()
		for {
			select {
			case isLeader, ok := <-ch:
				if !ok {
					return
				}
				if isLeader {
					l.logger.Info().Msg("leadership gained")
					if onGained != nil {
						onGained()
					}
				} else {
					l.logger.Info().Msg("leadership lost")
					if onLost != nil {
						onLost()
					}
				}
			case <-stop:
				return
			}
		}
	}()
}

// AddVoter adds nodeID at address to the cluster configuration; the
// leader must call this before a new replica can catch up.
func (l *Log) AddVoter(nodeID, address string) error {
	return l.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

func (l *Log) Shutdown() error {
	return l.raft.Shutdown().Error()
}
