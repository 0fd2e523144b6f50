// Package storemanager owns rotation gating and write dispatch for a
// single tablet's dynamic stores: deciding when the active
// store must rotate, creating its replacement, and routing each
// transaction's writes to the active store while pre-checking every
// other store still reachable by an in-flight transaction for lock
// conflicts.
package storemanager

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/dynamicstore"
	"github.com/tablekit/tabletnode/pkg/events"
	"github.com/tablekit/tabletnode/pkg/log"
	"github.com/tablekit/tabletnode/pkg/metrics"
	"github.com/tablekit/tabletnode/pkg/tablet"
	"github.com/tablekit/tabletnode/pkg/wire"
)

// Manager supervises one tablet's dynamic store lifecycle. One
// instance exists per mounted tablet (created by the tablet service
// on mount, dropped on unmount).
type Manager struct {
	mu sync.Mutex

	tabletInst *tablet.Tablet
	cfg        config.StoreManagerConfig
	logger     zerolog.Logger
	broker     *events.Broker

	sorted  map[string]*dynamicstore.SortedStore
	ordered map[string]*dynamicstore.OrderedStore

	lastRotationErr   error
	lastRotationAt    time.Time
	backoffUntilFlush map[string]time.Time
	backoffUntilComp  map[string]time.Time
	backoffUntilPre   map[string]time.Time
}

func New(t *tablet.Tablet, cfg config.StoreManagerConfig) *Manager {
	return &Manager{
		tabletInst:        t,
		cfg:               cfg,
		logger:            log.WithTabletID(t.ID),
		sorted:            make(map[string]*dynamicstore.SortedStore),
		ordered:           make(map[string]*dynamicstore.OrderedStore),
		backoffUntilFlush: make(map[string]time.Time),
		backoffUntilComp:  make(map[string]time.Time),
		backoffUntilPre:   make(map[string]time.Time),
	}
}

// SetEventBroker binds the broker ScheduleRotation publishes
// EventStoreRotated through. A nil broker (the default) makes
// publishing a no-op, so tests that never call this still work.
func (m *Manager) SetEventBroker(b *events.Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broker = b
}

// IsOverflowRotationNeeded reports whether the active store's arena
// has exceeded the configured memory limit and must rotate regardless
// of any in-flight forced-rotation backoff.
func (m *Manager) IsOverflowRotationNeeded(allocated int64) bool {
	return allocated >= m.cfg.MemoryLimit
}

// IsPeriodicRotationNeeded reports whether the active store has aged
// past the configured auto-flush period.
func (m *Manager) IsPeriodicRotationNeeded(age, autoFlushPeriod time.Duration) bool {
	return autoFlushPeriod > 0 && age >= autoFlushPeriod
}

// IsForcedRotationPossible reports whether a forced rotation (one
// triggered by memory pressure rather than periodic/overflow) is
// allowed right now: the ratio of allocated-to-limit must clear the
// configured threshold, and the last rotation attempt must not have
// failed within the backoff window.
func (m *Manager) IsForcedRotationPossible(allocated int64, now time.Time) bool {
	if allocated < int64(float64(m.cfg.MemoryLimit)*m.cfg.ForcedRotationRatio) {
		return false
	}
	return m.IsRotationPossible(now)
}

// IsRotationPossible reports whether rotation is allowed now: true when
// the last rotation attempt succeeded or failed longer ago than the
// configured backoff window.
func (m *Manager) IsRotationPossible(now time.Time) bool {
	if m.lastRotationErr == nil {
		return true
	}
	return now.Sub(m.lastRotationAt) >= m.cfg.RotationErrorBackoff
}

// ScheduleRotation rotates the active store to passive and installs a
// freshly created one as the new active store, publishing
// EventStoreRotated. createNew false leaves the tablet without an
// active store (used when unmounting or ahead of a planned
// partitioning that will reassign the store set).
func (m *Manager) ScheduleRotation(createNew bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tabletInst.Lock()
	defer m.tabletInst.Unlock()

	active := m.tabletInst.ActiveStore()
	if active == nil {
		if !createNew {
			return nil
		}
		return m.installNewActiveLocked()
	}

	if err := m.rotateLocked(active); err != nil {
		m.lastRotationErr = err
		m.lastRotationAt = time.Now()
		return err
	}
	m.lastRotationErr = nil

	m.tabletInst.ClearActiveStore()
	if createNew {
		return m.installNewActiveLocked()
	}
	return nil
}

func (m *Manager) rotateLocked(active *tablet.StoreMeta) error {
	switch active.Kind {
	case tablet.KindSorted:
		s, ok := m.sorted[active.ID]
		if !ok {
			return fmt.Errorf("storemanager: no sorted store instance for %s", active.ID)
		}
		s.RotateToPassive()
	case tablet.KindOrdered:
		s, ok := m.ordered[active.ID]
		if !ok {
			return fmt.Errorf("storemanager: no ordered store instance for %s", active.ID)
		}
		if err := s.RotateToPassive(); err != nil {
			return err
		}
	}
	metrics.DynamicStoreRowsTotal.WithLabelValues(m.tabletInst.ID, "passive").Set(float64(active.RowCount))
	m.logger.Info().Str("store_id", active.ID).Msg("rotated active store to passive")
	m.publish(events.EventStoreRotated, "rotated active store to passive", active.ID)
	return nil
}

// publish is a no-op when no broker is bound (SetEventBroker was never
// called), so every caller can publish unconditionally.
func (m *Manager) publish(kind events.EventType, message, storeID string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:     kind,
		Message:  message,
		Metadata: map[string]string{"tablet_id": m.tabletInst.ID, "store_id": storeID},
	})
}

func (m *Manager) installNewActiveLocked() error {
	id := uuid.New().String()
	switch m.tabletInst.Kind {
	case tablet.KindSorted:
		s := dynamicstore.NewSortedStore(id, &m.tabletInst.Schema)
		m.sorted[id] = s
		m.tabletInst.SetActiveStore(s.Meta)
	case tablet.KindOrdered:
		s := dynamicstore.NewOrderedStore(id, m.tabletInst.TotalRowCount)
		m.ordered[id] = s
		m.tabletInst.SetActiveStore(s.Meta)
	}
	m.logger.Info().Str("store_id", id).Msg("installed new active store")
	return nil
}

// AddStore registers an externally constructed store instance (e.g.
// one reloaded from the replicated log snapshot on mount) into the
// manager's live instance map. It does not schedule a preload for an
// in-memory tablet; AddStore only records the store.
func (m *Manager) AddStore(meta *tablet.StoreMeta, sorted *dynamicstore.SortedStore, ordered *dynamicstore.OrderedStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabletInst.Lock()
	m.tabletInst.AddStoreLocked(meta)
	m.tabletInst.Unlock()
	if sorted != nil {
		m.sorted[meta.ID] = sorted
	}
	if ordered != nil {
		m.ordered[meta.ID] = ordered
	}
}

// blockedOn names the store and generation an ExecuteAtomicWrite
// attempt must wait on before retrying, when the row it targeted came
// back WriteBlocked.
type blockedOn struct {
	store *dynamicstore.SortedStore
	gen   uint64
}

// ExecuteAtomicWrite dispatches one row mutation to the active store,
// after pre-checking every passive store (plus every persistent store
// whose max_timestamp exceeds the transaction's start timestamp — it
// may still hold a visible version the transaction must not race with)
// for an outstanding lock conflict on the same row. A row
// found WriteBlocked anywhere in that scan is retried against
// WaitBlocked until max_blocked_row_wait elapses.
func (m *Manager) ExecuteAtomicWrite(txn *tablet.Transaction, row tablet.WriteRow, lockMask uint64, prelock, delete bool) error {
	deadline := time.Now().Add(m.cfg.MaxBlockedRowWait)
	for {
		blocked, err := m.attemptAtomicWriteLocked(txn, row, lockMask, prelock, delete)
		if err != nil {
			return err
		}
		if blocked == nil {
			return nil
		}
		if m.cfg.MaxBlockedRowWait <= 0 || !time.Now().Before(deadline) {
			return tablet.NewError(tablet.CodeTransactionLockConflict, "row still blocked after max_blocked_row_wait").
				WithAttr("transaction", txn.ID)
		}
		blocked.store.WaitBlockedUntil(blocked.gen, deadline)
	}
}

func (m *Manager) attemptAtomicWriteLocked(txn *tablet.Transaction, row tablet.WriteRow, lockMask uint64, prelock, delete bool) (*blockedOn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tabletInst.RLock()
	active := m.tabletInst.ActiveStore()
	all := m.tabletInst.AllStores()
	m.tabletInst.RUnlock()

	if active == nil {
		return nil, tablet.NewError(tablet.CodeInvalidState, "tablet has no active store").WithAttr("tablet", m.tabletInst.ID)
	}

	var activeSorted *dynamicstore.SortedStore
	if active.Kind == tablet.KindSorted {
		var ok bool
		activeSorted, ok = m.sorted[active.ID]
		if !ok {
			return nil, fmt.Errorf("storemanager: active sorted store %s missing instance", active.ID)
		}
	}

	for _, s := range all {
		if s.ID == active.ID {
			continue
		}
		if s.State != tablet.StorePassiveDynamic && s.MaxTimestamp <= txn.Start {
			continue
		}
		if s.Kind != tablet.KindSorted {
			continue
		}
		store, ok := m.sorted[s.ID]
		if !ok {
			continue
		}
		result, gen, err := store.CheckLockConflict(txn, row.Key, lockMask)
		if err != nil {
			return nil, err
		}
		if result == dynamicstore.WriteBlocked {
			return &blockedOn{store: store, gen: gen}, nil
		}
		// A lock this same transaction already holds in a now-passive
		// store (stranded there by a mid-transaction rotation) must
		// move into the active store rather than let the write below
		// acquire an unrelated, brand-new lock on the same row there.
		if activeSorted != nil && store.HeldByTransaction(row.Key, txn.ID) {
			activeSorted.Migrate(store, txn, row.Key)
		}
	}

	switch active.Kind {
	case tablet.KindSorted:
		result, gen, err := activeSorted.ExecuteWrite(txn, row, lockMask, prelock, delete)
		if err != nil {
			return nil, err
		}
		if result == dynamicstore.WriteBlocked {
			return &blockedOn{store: activeSorted, gen: gen}, nil
		}
		return nil, nil
	case tablet.KindOrdered:
		if delete {
			return nil, tablet.NewError(tablet.CodeInvalidState, "ordered tablets do not support delete")
		}
		first := len(txn.ImmediateLocked)+len(txn.ImmediateLockless)+len(txn.Delayed) == 0
		if lockMask != 0 {
			txn.ImmediateLocked = append(txn.ImmediateLocked, row)
		} else {
			txn.ImmediateLockless = append(txn.ImmediateLockless, row)
		}
		// Ordered stores take no row locks; a single ref to the active
		// store records which tablet's write log this transaction
		// buffered into, so commit can find it.
		if first {
			txn.AddLockedRow(tablet.LockRef{StoreID: active.ID})
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("storemanager: unknown store kind")
	}
}

// ExecuteCommandStream decodes a client write batch and forwards each
// command's rows through ExecuteAtomicWrite. Only mutating commands
// are legal here; a LookupRows tag in a write batch fails the batch.
// A zero lock mask on the wire means row mode, which takes the
// primary lock only.
func (m *Manager) ExecuteCommandStream(txn *tablet.Transaction, dec *wire.Decoder, prelock bool) error {
	for {
		cmd, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var deleteRow bool
		switch cmd.Tag {
		case wire.TagWriteRow:
		case wire.TagDeleteRow:
			deleteRow = true
		default:
			return tablet.NewError(tablet.CodeInvalidState, "non-mutating command in write batch").
				WithAttr("command", cmd.Tag.String())
		}

		mask := cmd.LockMask
		if mask == 0 {
			mask = m.tabletInst.Schema.LockMaskFor(nil)
		}
		for _, row := range cmd.Rows {
			if deleteRow {
				row.Columns = nil
			} else if !hasValueColumn(&m.tabletInst.Schema, row) {
				return tablet.NewError(tablet.CodeInvalidState, "write row carries no value columns").
					WithAttr("transaction", txn.ID)
			}
			if err := m.ExecuteAtomicWrite(txn, row, mask, prelock, deleteRow); err != nil {
				return err
			}
		}
	}
}

func hasValueColumn(schema *tablet.Schema, row tablet.WriteRow) bool {
	for idx := range row.Columns {
		if idx >= schema.KeyColumnCount {
			return true
		}
	}
	return false
}

// resolveTouched maps the transaction's touched store ids onto this
// manager's live instances. A transaction that never wrote through
// this tablet resolves to nothing, so cell-wide fan-out can call every
// manager unconditionally.
func (m *Manager) resolveTouched(txn *tablet.Transaction) (sorted []*dynamicstore.SortedStore, touchesOrdered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range txn.TouchedStoreIDs() {
		if s, ok := m.sorted[id]; ok {
			sorted = append(sorted, s)
		}
		if _, ok := m.ordered[id]; ok {
			touchesOrdered = true
		}
	}
	return sorted, touchesOrdered
}

// PrepareTransaction stamps the prepare timestamp onto every lock txn
// holds in this tablet's dynamic stores. Ordered
// stores have no locks to stamp.
func (m *Manager) PrepareTransaction(txn *tablet.Transaction, prepareTS tablet.Timestamp) {
	sorted, _ := m.resolveTouched(txn)
	for _, s := range sorted {
		s.Prepare(txn, prepareTS)
	}
}

// CommitTransaction publishes txn's revisions in every sorted store it
// locked and applies its buffered write log to the
// active ordered store when the transaction wrote through this
// tablet's ordered path.
func (m *Manager) CommitTransaction(txn *tablet.Transaction, commitTS tablet.Timestamp) {
	sorted, touchesOrdered := m.resolveTouched(txn)
	for _, s := range sorted {
		s.Commit(txn, commitTS)
	}
	if touchesOrdered {
		m.applyOrderedWriteLog(txn, commitTS)
	}
}

// AbortTransaction rolls back txn's uncommitted edits and releases its
// locks in every sorted store it touched. Buffered ordered write logs
// need no store-side action; they die with the transaction.
func (m *Manager) AbortTransaction(txn *tablet.Transaction) {
	sorted, _ := m.resolveTouched(txn)
	for _, s := range sorted {
		s.Abort(txn)
	}
}

// applyOrderedWriteLog appends the transaction's buffered rows to the
// tablet's current active ordered store — not necessarily the store
// the rows were buffered against, since a rotation may have happened
// mid-transaction and commits always land in the active store to keep
// row indices monotone.
func (m *Manager) applyOrderedWriteLog(txn *tablet.Transaction, commitTS tablet.Timestamp) {
	m.tabletInst.RLock()
	active := m.tabletInst.ActiveStore()
	m.tabletInst.RUnlock()
	if active == nil {
		m.logger.Error().Str("transaction_id", txn.ID).Msg("ordered commit with no active store; write log dropped")
		return
	}
	m.mu.Lock()
	store, ok := m.ordered[active.ID]
	m.mu.Unlock()
	if !ok {
		m.logger.Error().Str("store_id", active.ID).Msg("active ordered store missing instance")
		return
	}

	rows := make([]tablet.WriteRow, 0, len(txn.ImmediateLocked)+len(txn.ImmediateLockless)+len(txn.Delayed))
	rows = append(rows, txn.ImmediateLocked...)
	rows = append(rows, txn.ImmediateLockless...)
	rows = append(rows, txn.Delayed...)
	_, count := store.ApplyTransaction([]dynamicstore.CommitBatch{{Signature: txn.FinalSignature, Rows: rows}})

	m.tabletInst.Lock()
	m.tabletInst.TotalRowCount += count
	if active.MinTimestamp == 0 || commitTS < active.MinTimestamp {
		active.MinTimestamp = commitTS
	}
	if commitTS > active.MaxTimestamp {
		active.MaxTimestamp = commitTS
	}
	m.tabletInst.Unlock()
}

// BackoffStoreFlush reports whether store id's flush is currently in
// its error backoff window and records/clears the backoff on result.
func (m *Manager) BackoffStoreFlush(id string, err error, backoff time.Duration) bool {
	return m.backoff(m.backoffUntilFlush, id, err, backoff)
}

func (m *Manager) BackoffStoreCompaction(id string, err error, backoff time.Duration) bool {
	return m.backoff(m.backoffUntilComp, id, err, backoff)
}

func (m *Manager) BackoffStorePreload(id string, err error, backoff time.Duration) bool {
	return m.backoff(m.backoffUntilPre, id, err, backoff)
}

func (m *Manager) backoff(table map[string]time.Time, id string, err error, backoff time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if until, ok := table[id]; ok && now.Before(until) {
		return true
	}
	if err != nil {
		table[id] = now.Add(m.jitteredBackoff(backoff))
		return true
	}
	delete(table, id)
	return false
}

// jitteredBackoff perturbs base by the configured jitter ratio so that
// many stores failing at once don't all retry in lockstep.
func (m *Manager) jitteredBackoff(base time.Duration) time.Duration {
	jitter := m.cfg.RotationErrorBackoffJitter
	if jitter <= 0 {
		return base
	}
	delta := time.Duration(float64(base) * jitter * (rand.Float64()*2 - 1))
	return base + delta
}

// Trim raises the tablet's trimmed-row-count watermark for ordered
// tablets: reads over indices below
// trimmedRowCount return nothing regardless of which store still
// physically holds them. Rejects any attempt to move the watermark
// backwards or past the tablet's current total row count.
func (m *Manager) Trim(trimmedRowCount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tabletInst.Lock()
	defer m.tabletInst.Unlock()

	if m.tabletInst.Kind != tablet.KindOrdered {
		return tablet.NewError(tablet.CodeInvalidState, "trim is only valid for ordered tablets").WithAttr("tablet", m.tabletInst.ID)
	}
	if trimmedRowCount < m.tabletInst.TrimmedRowCount {
		return tablet.NewError(tablet.CodeInvalidState, "trim watermark may not move backwards").
			WithAttr("tablet", m.tabletInst.ID).
			WithAttr("current", fmt.Sprintf("%d", m.tabletInst.TrimmedRowCount)).
			WithAttr("requested", fmt.Sprintf("%d", trimmedRowCount))
	}
	if trimmedRowCount > m.tabletInst.TotalRowCount {
		return tablet.NewError(tablet.CodeInvalidState, "trim watermark may not exceed total row count").
			WithAttr("tablet", m.tabletInst.ID).
			WithAttr("total", fmt.Sprintf("%d", m.tabletInst.TotalRowCount)).
			WithAttr("requested", fmt.Sprintf("%d", trimmedRowCount))
	}
	m.tabletInst.TrimmedRowCount = trimmedRowCount
	m.logger.Info().Uint64("trimmed_row_count", trimmedRowCount).Msg("trimmed ordered tablet")
	return nil
}

// SortedInstance returns the live SortedStore for id, if present.
func (m *Manager) SortedInstance(id string) (*dynamicstore.SortedStore, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sorted[id]
	return s, ok
}

// OrderedInstance returns the live OrderedStore for id, if present.
func (m *Manager) OrderedInstance(id string) (*dynamicstore.OrderedStore, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ordered[id]
	return s, ok
}
