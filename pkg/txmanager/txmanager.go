// Package txmanager implements the per-cell transaction manager: it
// tracks every transaction touching tablets hosted on this
// cell, drives the Prepare/Commit state transitions, and advances the
// barrier timestamp that promotes Committed transactions to
// Serialized once every earlier transaction has resolved.
package txmanager

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/events"
	"github.com/tablekit/tabletnode/pkg/log"
	"github.com/tablekit/tabletnode/pkg/metrics"
	"github.com/tablekit/tabletnode/pkg/replicatedlog"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// Manager owns the transaction map for one tablet cell.
type Manager struct {
	mu sync.RWMutex

	cfg    config.TransactionManagerConfig
	logger zerolog.Logger
	rlog   *replicatedlog.Log
	broker *events.Broker

	// transient holds transactions not yet persistently prepared;
	// persistent holds persistently prepared ones. Both maps are local
	// to this process: neither is written to the replicated log or to
	// a snapshot of it.
	transient  map[string]*tablet.Transaction
	persistent map[string]*tablet.Transaction

	leaseDeadline map[string]time.Time

	// abortedIDs/abortedSet form a bounded FIFO of recently-aborted
	// transaction ids. Creating a transient transaction with an id in
	// the pool fails, closing the race where a participant's late
	// first-reference would revive a transaction the supervisor already
	// broadcast an abort for.
	abortedIDs []string
	abortedSet map[string]struct{}

	// barrierTimestamp is the watermark below which every transaction
	// has either serialized or aborted; reads at or below it never
	// race an in-flight commit.
	barrierTimestamp tablet.Timestamp

	// lastPublishedBarrier is the watermark last proposed through the
	// replicated log; PublishBarrier only issues a mutation once the
	// local barrier has strictly advanced past it.
	lastPublishedBarrier tablet.Timestamp

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg config.TransactionManagerConfig, rlog *replicatedlog.Log) *Manager {
	return &Manager{
		cfg:           cfg,
		logger:        log.WithComponent("txmanager"),
		rlog:          rlog,
		transient:     make(map[string]*tablet.Transaction),
		persistent:    make(map[string]*tablet.Transaction),
		leaseDeadline: make(map[string]time.Time),
		abortedSet:    make(map[string]struct{}),
		stopCh:        make(chan struct{}),
	}
}

// SetLog binds the replicated log after construction, for callers that
// must register this Manager as a replicatedlog.Applier before the log
// itself can be opened (the log's constructor takes the applier).
func (m *Manager) SetLog(rlog *replicatedlog.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rlog = rlog
}

// SetEventBroker binds the broker Commit/Abort/advanceBarrier publish
// through. A nil broker (the default) makes publishing a no-op.
func (m *Manager) SetEventBroker(b *events.Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broker = b
}

func (m *Manager) publish(kind events.EventType, txnID string) {
	m.mu.RLock()
	b := m.broker
	m.mu.RUnlock()
	if b == nil {
		return
	}
	b.Publish(&events.Event{Type: kind, Metadata: map[string]string{"transaction_id": txnID}})
}

// Start begins the periodic barrier-advancement scan.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	interval := m.cfg.BarrierScanInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.advanceBarrier()
			if err := m.PublishBarrier(); err != nil {
				m.logger.Warn().Err(err).Msg("publish barrier mutation failed")
			}
			m.expireLeases()
		case <-m.stopCh:
			return
		}
	}
}

// StartTransaction admits a new transaction under a fresh id with a
// lease that must be renewed (via ExtendLease) before timeout, or the
// transaction is aborted and its locks released.
func (m *Manager) StartTransaction(start tablet.Timestamp, finalSignature uint64) *tablet.Transaction {
	txn, _ := m.GetOrCreateTransient(uuid.New().String(), start, finalSignature)
	return txn
}

// GetOrCreateTransient returns the transaction with id, creating a
// transient one lazily on first reference. Creation fails when id sits
// in the recently-aborted pool: the abort broadcast may still be in
// flight, and admitting the id again would revive a transaction other
// participants already consider dead.
func (m *Manager) GetOrCreateTransient(id string, start tablet.Timestamp, finalSignature uint64) (*tablet.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn, ok := m.transient[id]; ok {
		return txn, nil
	}
	if txn, ok := m.persistent[id]; ok {
		return txn, nil
	}
	if _, aborted := m.abortedSet[id]; aborted {
		return nil, tablet.NewError(tablet.CodeNoSuchTransaction, "transaction id was recently aborted").
			WithAttr("transaction", id)
	}
	// Timestamps pack wall-clock milliseconds into their high bits (see
	// clock.HybridProvider) so a millisecond delta shifts left the same
	// 18 bits the provider reserves for its within-tick counter.
	timeout := start + tablet.Timestamp(m.cfg.DefaultTransactionTimeout.Milliseconds())<<18
	txn := tablet.NewTransaction(id, start, timeout, finalSignature)
	m.transient[id] = txn
	m.leaseDeadline[id] = time.Now().Add(m.cfg.DefaultTransactionTimeout)
	metrics.TransactionsByState.WithLabelValues("Active").Inc()
	return txn, nil
}

// ExtendLease refreshes a live transaction's deadline (ping from the
// client holding it open).
func (m *Manager) ExtendLease(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transient[id]; !ok {
		if _, ok := m.persistent[id]; !ok {
			return tablet.NewError(tablet.CodeNoSuchTransaction, "unknown transaction").WithAttr("transaction", id)
		}
	}
	m.leaseDeadline[id] = time.Now().Add(m.cfg.DefaultTransactionTimeout)
	return nil
}

func (m *Manager) Get(id string) (*tablet.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.transient[id]; ok {
		return t, true
	}
	t, ok := m.persistent[id]
	return t, ok
}

// Prepare transitions a transaction into TransientCommitPrepared
// (persistent=false) or PersistentCommitPrepared (persistent=true).
// Promotion to persistent moves the transaction from the transient map
// to the persistent one; no replicated-log mutation is issued for
// either kind of prepare.
func (m *Manager) Prepare(id string, prepareTS tablet.Timestamp, persistent bool) error {
	txn, ok := m.Get(id)
	if !ok {
		return tablet.NewError(tablet.CodeNoSuchTransaction, "unknown transaction").WithAttr("transaction", id)
	}
	if err := txn.Prepare(prepareTS, persistent); err != nil {
		return err
	}
	if persistent {
		m.mu.Lock()
		delete(m.transient, id)
		m.persistent[id] = txn
		m.mu.Unlock()
	}
	metrics.TransactionsByState.WithLabelValues(txn.State().String()).Inc()
	return nil
}

// Commit transitions a persistently-prepared transaction to Committed.
// The store-side half — publishing revisions in every sorted store the
// transaction locked and applying its buffered ordered write logs — is
// mount.Registry.CommitTransaction, invoked by the supervisor's commit
// action after this transition succeeds.
func (m *Manager) Commit(id string, commitTS tablet.Timestamp) error {
	txn, ok := m.Get(id)
	if !ok {
		return tablet.NewError(tablet.CodeNoSuchTransaction, "unknown transaction").WithAttr("transaction", id)
	}
	if err := txn.Commit(commitTS); err != nil {
		return err
	}
	metrics.TransactionsByState.WithLabelValues("Committed").Inc()
	m.publish(events.EventTransactionCommitted, id)
	return nil
}

// Abort transitions the transaction to Aborted and forgets it. The
// lock release in every store the transaction touched is
// mount.Registry.AbortTransaction, invoked by the supervisor's abort
// action after this transition succeeds.
func (m *Manager) Abort(id string) error {
	txn, ok := m.Get(id)
	if !ok {
		return tablet.NewError(tablet.CodeNoSuchTransaction, "unknown transaction").WithAttr("transaction", id)
	}
	if err := txn.Abort(); err != nil {
		return err
	}
	m.forget(id)
	metrics.TransactionsByState.WithLabelValues("Aborted").Inc()
	m.publish(events.EventTransactionAborted, id)
	return nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.transient, id)
	delete(m.persistent, id)
	delete(m.leaseDeadline, id)
	m.recordAbortedLocked(id)
}

// recordAbortedLocked pushes id into the bounded recently-aborted FIFO,
// evicting the oldest entries past the configured pool size.
func (m *Manager) recordAbortedLocked(id string) {
	size := m.cfg.AbortIDPoolSize
	if size <= 0 {
		return
	}
	if _, ok := m.abortedSet[id]; ok {
		return
	}
	m.abortedIDs = append(m.abortedIDs, id)
	m.abortedSet[id] = struct{}{}
	for len(m.abortedIDs) > size {
		old := m.abortedIDs[0]
		m.abortedIDs = m.abortedIDs[1:]
		delete(m.abortedSet, old)
	}
}

// OnLeadershipGained re-arms leases for every transaction that
// survives a failover (Active or persistently prepared), so a freshly
// elected leader doesn't immediately expire transactions it inherited.
func (m *Manager) OnLeadershipGained() {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline := time.Now().Add(m.cfg.DefaultTransactionTimeout)
	for id, txn := range m.persistent {
		switch txn.State() {
		case tablet.TxActive, tablet.TxPersistentCommitPrepared:
			m.leaseDeadline[id] = deadline
		}
	}
}

// OnLeadershipLost drops every transient transaction and rolls back
// any transient prepare of a persistent one; both are leader-local
// state a follower must not carry.
func (m *Manager) OnLeadershipLost() {
	m.mu.Lock()
	var dropped []string
	for id := range m.transient {
		dropped = append(dropped, id)
		delete(m.transient, id)
		delete(m.leaseDeadline, id)
	}
	for _, txn := range m.persistent {
		if txn.State() == tablet.TxTransientCommitPrepared {
			if err := txn.ResetTransientPrepare(); err != nil {
				m.logger.Warn().Str("transaction_id", txn.ID).Err(err).Msg("reset transient prepare on leadership loss")
			}
		}
	}
	b := m.broker
	m.mu.Unlock()

	for _, id := range dropped {
		m.logger.Info().Str("transaction_id", id).Msg("dropped transient transaction on leadership loss")
		if b != nil {
			b.Publish(&events.Event{Type: events.EventTransactionReset, Metadata: map[string]string{"transaction_id": id}})
		}
	}
}

// advanceBarrier scans every tracked transaction and raises
// barrierTimestamp to the smallest prepare/commit timestamp still
// outstanding, serializing anything already Committed below the new
// watermark. A transaction that is merely Active and
// has not yet prepared does not pin the barrier: it has not written a
// commit record any reader could race with yet, and since Prepare must
// still precede Commit, letting an unprepared transaction's Start hold
// the watermark back would let one long-lived, never-prepared
// transaction stall every later commit's serialization forever.
func (m *Manager) advanceBarrier() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var minOutstanding tablet.Timestamp = tablet.MaxTimestamp
	all := make([]*tablet.Transaction, 0, len(m.transient)+len(m.persistent))
	for _, t := range m.transient {
		all = append(all, t)
	}
	for _, t := range m.persistent {
		all = append(all, t)
	}

	for _, t := range all {
		switch t.State() {
		case tablet.TxCommitted:
			if t.CommitTimestamp < minOutstanding {
				minOutstanding = t.CommitTimestamp
			}
		case tablet.TxTransientCommitPrepared, tablet.TxPersistentCommitPrepared:
			if t.PrepareTimestamp < minOutstanding {
				minOutstanding = t.PrepareTimestamp
			}
		}
	}

	if minOutstanding > m.barrierTimestamp {
		m.barrierTimestamp = minOutstanding
	}

	var serialized []string
	for id, t := range m.persistent {
		if t.State() == tablet.TxCommitted && t.CommitTimestamp <= m.barrierTimestamp {
			if err := t.Serialize(); err == nil {
				delete(m.persistent, id)
				metrics.TransactionsByState.WithLabelValues("Serialized").Inc()
				serialized = append(serialized, id)
			}
		}
	}
	for id, t := range m.transient {
		if t.State() == tablet.TxCommitted && t.CommitTimestamp <= m.barrierTimestamp {
			if err := t.Serialize(); err == nil {
				delete(m.transient, id)
				metrics.TransactionsByState.WithLabelValues("Serialized").Inc()
				serialized = append(serialized, id)
			}
		}
	}
	metrics.BarrierTimestamp.Set(float64(m.barrierTimestamp))

	b := m.broker
	m.mu.Unlock()
	for _, id := range serialized {
		if b != nil {
			b.Publish(&events.Event{Type: events.EventTransactionSerialized, Metadata: map[string]string{"transaction_id": id}})
		}
	}
	m.mu.Lock()
}

func (m *Manager) expireLeases() {
	m.mu.Lock()
	now := time.Now()
	var expired []string
	for id, deadline := range m.leaseDeadline {
		if now.After(deadline) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.Abort(id); err != nil {
			m.logger.Debug().Str("transaction_id", id).Err(err).Msg("lease-expiry abort raced a concurrent resolution")
		} else {
			m.logger.Info().Str("transaction_id", id).Msg("aborted transaction on lease expiry")
		}
	}
}

// BarrierTimestamp returns the current barrier watermark: reads at or
// below it are guaranteed not to race an in-flight commit.
func (m *Manager) BarrierTimestamp() tablet.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.barrierTimestamp
}

// Apply implements replicatedlog.Applier, dispatching the one mutation
// kind this manager owns.
func (m *Manager) Apply(mutation replicatedlog.Mutation) error {
	switch mutation.Op {
	case "HandleTransactionBarrier":
		var b HandleTransactionBarrier
		if err := json.Unmarshal(mutation.Data, &b); err != nil {
			return err
		}
		return m.applyBarrierMutation(b)
	default:
		return fmt.Errorf("txmanager: unknown mutation %q", mutation.Op)
	}
}

// HandleTransactionBarrier is the replicated-log mutation payload that
// lets followers adopt the leader's barrier watermark directly instead
// of recomputing it from a possibly-incomplete local transaction set.
type HandleTransactionBarrier struct {
	Timestamp tablet.Timestamp `json:"timestamp"`
}

func (m *Manager) applyBarrierMutation(b HandleTransactionBarrier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Timestamp > m.barrierTimestamp {
		m.barrierTimestamp = b.Timestamp
	}
	return nil
}

// PublishBarrier proposes the locally computed barrier watermark
// through the replicated log so every replica converges on the same
// value even if their local transaction sets briefly diverge.
func (m *Manager) PublishBarrier() error {
	if m.rlog == nil || !m.rlog.IsLeader() {
		return nil
	}
	current := m.BarrierTimestamp()

	m.mu.Lock()
	if current <= m.lastPublishedBarrier {
		m.mu.Unlock()
		return nil
	}
	m.lastPublishedBarrier = current
	m.mu.Unlock()

	return m.rlog.CreateMutation("HandleTransactionBarrier", HandleTransactionBarrier{Timestamp: current})
}
