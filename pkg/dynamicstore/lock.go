package dynamicstore

import "github.com/tablekit/tabletnode/pkg/tablet"

// NotPrepared is the sentinel prepare_timestamp of an idle lock, and
// also of a lock whose holder has not yet prepared. An unprepared
// holder could still commit at any timestamp, including one at or
// below a concurrent writer's start, so such a writer fails outright;
// the blocked wait is reserved for holders that have pinned a prepare
// timestamp above the writer's start.
const NotPrepared = tablet.MaxTimestamp

// lockDescriptor is one lock group's state on one row.
type lockDescriptor struct {
	prepareTimestamp   tablet.Timestamp
	lastCommitTimestamp tablet.Timestamp
	txnID              string
	pendingDelete      bool

	// writeRevisionList remembers every edit-list node this lock hold
	// created, so commit/abort can fix up or pop exactly those nodes in
	// O(writes) instead of scanning every column.
	writeRevisionList []*editNode
}

func newLockDescriptor() *lockDescriptor {
	return &lockDescriptor{prepareTimestamp: NotPrepared}
}

func (l *lockDescriptor) held() bool { return l.txnID != "" }

// reset clears the lock's holder after a commit or abort.
// lastCommitTimestamp is intentionally left untouched: it persists
// across holders so the next acquirer's conflict check sees it.
func (l *lockDescriptor) reset() {
	l.prepareTimestamp = NotPrepared
	l.txnID = ""
	l.pendingDelete = false
	l.writeRevisionList = nil
}

// conflict outcomes of probing a lock group before acquisition.
type conflictKind int

const (
	conflictNone conflictKind = iota
	conflictFail
	conflictBlocked
)

func (l *lockDescriptor) checkConflict(txnID string, start tablet.Timestamp) conflictKind {
	if !l.held() || l.txnID == txnID {
		if l.lastCommitTimestamp > start {
			return conflictFail
		}
		return conflictNone
	}
	if l.lastCommitTimestamp > start {
		return conflictFail
	}
	// Only a holder that has actually prepared, at a timestamp above
	// this writer's start, is worth waiting for: it either commits at
	// or above that timestamp (a conflict this writer will see on
	// retry) or aborts (the retry succeeds). An unprepared holder is
	// an immediate conflict.
	if l.prepareTimestamp != NotPrepared && l.prepareTimestamp > start {
		return conflictBlocked
	}
	return conflictFail
}
