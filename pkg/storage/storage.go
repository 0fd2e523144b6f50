// Package storage persists a tablet node's local metadata — store-set
// snapshots, partition lists, and the transaction manager's persistent
// transaction map — to a go.etcd.io/bbolt database, one bucket per
// entity keyed by tablet id, JSON-marshaled values, upsert-on-write.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/tablekit/tabletnode/pkg/tablet"
)

var (
	bucketTablets      = []byte("tablets")
	bucketPartitions   = []byte("partitions")
	bucketStores       = []byte("stores")
	bucketTransactions = []byte("transactions")
)

// TabletSnapshot is the serializable record of one mounted tablet's
// state, persisted on every store-set or partition-list change and
// reloaded on mount; Save then Load reproduces the same store set and
// partition list.
type TabletSnapshot struct {
	ID            string              `json:"id"`
	CellID        string              `json:"cell_id"`
	Kind          tablet.StoreKind    `json:"kind"`
	Schema        tablet.Schema       `json:"schema"`
	Pivot         tablet.Key          `json:"pivot"`
	NextPivot     tablet.Key          `json:"next_pivot"`
	MountRevision uint64              `json:"mount_revision"`
	Partitions    []*tablet.Partition `json:"partitions"`
	Stores        []*tablet.StoreMeta `json:"stores"`
	ActiveStoreID string              `json:"active_store_id"`

	TrimmedRowCount uint64 `json:"trimmed_row_count"`
	TotalRowCount   uint64 `json:"total_row_count"`

	InMemoryMode tablet.InMemoryMode `json:"in_memory_mode"`
}

// TransactionSnapshot is one persistently-prepared transaction's
// serialized state, written to the transactions bucket so a restart
// doesn't lose in-flight transactions the replicated log already
// committed a prepare for.
type TransactionSnapshot struct {
	ID               string                  `json:"id"`
	State            tablet.TransactionState `json:"state"`
	Start            tablet.Timestamp        `json:"start"`
	PrepareTimestamp tablet.Timestamp        `json:"prepare_timestamp"`
	CommitTimestamp  tablet.Timestamp        `json:"commit_timestamp"`
	FinalSignature   uint64                  `json:"final_signature"`
}

// Store is the bbolt-backed local metadata database for one tablet
// node process.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the node's local database under dataDir,
// creating every bucket this package uses if absent.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "tabletnode.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTablets, bucketPartitions, bucketStores, bucketTransactions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveTablet persists a tablet's mount-time snapshot, upserting by
// tablet id.
func (s *Store) SaveTablet(snap TabletSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTablets)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(snap.ID), data)
	})
}

// LoadTablet returns the persisted snapshot for tabletID, if any.
func (s *Store) LoadTablet(tabletID string) (TabletSnapshot, bool, error) {
	var snap TabletSnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTablets)
		data := b.Get([]byte(tabletID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	return snap, found, err
}

// ListTablets returns every persisted tablet snapshot, used on node
// startup to remount whatever was mounted before the last shutdown.
func (s *Store) ListTablets() ([]TabletSnapshot, error) {
	var out []TabletSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTablets)
		return b.ForEach(func(k, v []byte) error {
			var snap TabletSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}

// DeleteTablet removes a tablet's persisted snapshot, called on
// unmount once every store has been released.
func (s *Store) DeleteTablet(tabletID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTablets).Delete([]byte(tabletID))
	})
}

// SaveTransaction upserts a persistently-prepared transaction's state.
func (s *Store) SaveTransaction(snap TransactionSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(snap.ID), data)
	})
}

// DeleteTransaction removes a transaction's persisted state once it
// has serialized or aborted.
func (s *Store) DeleteTransaction(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransactions).Delete([]byte(id))
	})
}

// ListTransactions returns every persisted transaction, used to
// recover the transaction manager's persistent map after a restart.
func (s *Store) ListTransactions() ([]TransactionSnapshot, error) {
	var out []TransactionSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransactions)
		return b.ForEach(func(k, v []byte) error {
			var snap TransactionSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}

// ToTablet reconstructs the live tablet this snapshot describes, the
// inverse of SnapshotFromTablet, used when a node starts up and
// remounts whatever storage.ListTablets returns.
func (snap TabletSnapshot) ToTablet() *tablet.Tablet {
	return tablet.RestoreTablet(
		snap.ID, snap.CellID, snap.Kind, snap.Schema, snap.Pivot, snap.NextPivot,
		snap.MountRevision, snap.Partitions, snap.Stores, snap.ActiveStoreID,
		snap.TrimmedRowCount, snap.TotalRowCount, snap.InMemoryMode,
	)
}

// SnapshotFromTablet builds the persistable snapshot of a live tablet,
// called whenever its store set or partition list changes.
func SnapshotFromTablet(t *tablet.Tablet) TabletSnapshot {
	t.RLock()
	defer t.RUnlock()

	active := ""
	if a := t.ActiveStore(); a != nil {
		active = a.ID
	}
	return TabletSnapshot{
		ID:              t.ID,
		CellID:          t.CellID,
		Kind:            t.Kind,
		Schema:          t.Schema,
		Pivot:           t.Pivot,
		NextPivot:       t.NextPivot,
		MountRevision:   t.MountRevision,
		Partitions:      t.Partitions(),
		Stores:          t.AllStores(),
		ActiveStoreID:   active,
		TrimmedRowCount: t.TrimmedRowCount,
		TotalRowCount:   t.TotalRowCount,
		InMemoryMode:    t.InMemoryMode,
	}
}
