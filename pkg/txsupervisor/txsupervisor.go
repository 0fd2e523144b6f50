// Package txsupervisor stands in for the external transaction
// supervisor: the coordinator that broadcasts prepare/commit/
// abort to every participant of a distributed transaction. The local
// transaction manager never calls a participant directly — it
// registers an action-registration endpoint once at startup, and the
// supervisor invokes it (plus every other known participant) whenever
// a broadcast is requested, e.g. a lease-expiry abort (the abort is
// broadcast to every participant, never applied only locally).
package txsupervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tablekit/tabletnode/pkg/log"
)

// Action is a two-phase transaction action a participant can be asked
// to run.
type Action string

const (
	ActionPrepare Action = "Prepare"
	ActionCommit  Action = "Commit"
	ActionAbort   Action = "Abort"
)

// Handler is registered by the local transaction manager for one
// Action; it's invoked whenever the supervisor broadcasts that action
// for any transaction touching this participant.
type Handler func(ctx context.Context, transactionID string) error

// Participant is a remote coordinator's view of one other participant
// in a distributed transaction, typically a thin RPC client dialed
// through pkg/masterclient-style plumbing.
type Participant interface {
	Invoke(ctx context.Context, action Action, transactionID string) error
	Address() string
}

// Supervisor is the local broadcast coordinator for this cell.
type Supervisor struct {
	mu       sync.RWMutex
	handlers map[Action]Handler
	logger   zerolog.Logger
}

func New() *Supervisor {
	return &Supervisor{
		handlers: make(map[Action]Handler),
		logger:   log.WithComponent("txsupervisor"),
	}
}

// RegisterAction is the supervisor's action-registration endpoint:
// the local transaction manager calls this once per action
// kind at startup so the supervisor has something to invoke both for
// local transactions and when acting as coordinator for a broadcast.
func (s *Supervisor) RegisterAction(action Action, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = fn
}

// Broadcast runs action for transactionID against every given remote
// participant plus this cell's own registered handler, concurrently,
// and returns the first error encountered (participants are expected
// to retry independently; a partial broadcast failure is surfaced to
// the caller rather than silently swallowed).
func (s *Supervisor) Broadcast(ctx context.Context, action Action, transactionID string, participants []Participant) error {
	s.mu.RLock()
	local, hasLocal := s.handlers[action]
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	if hasLocal {
		g.Go(func() error {
			return local(gctx, transactionID)
		})
	}
	for _, p := range participants {
		p := p
		g.Go(func() error {
			if err := p.Invoke(gctx, action, transactionID); err != nil {
				return fmt.Errorf("txsupervisor: %s %s on %s: %w", action, transactionID, p.Address(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Str("transaction_id", transactionID).Str("action", string(action)).Msg("broadcast failed")
		return err
	}
	return nil
}

// BroadcastAbort is a convenience wrapper for the lease-expiry path.
func (s *Supervisor) BroadcastAbort(ctx context.Context, transactionID string, participants []Participant) error {
	return s.Broadcast(ctx, ActionAbort, transactionID, participants)
}
