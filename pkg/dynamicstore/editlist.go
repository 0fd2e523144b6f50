package dynamicstore

import "github.com/tablekit/tabletnode/pkg/tablet"

// editNode is one entry of an edit list: a (timestamp_revision, value)
// pair. Edit lists are singly-linked, append-only chains where new
// versions are prepended in write order, so walking
// from head to tail visits revisions newest-first.
type editNode struct {
	revision tablet.Revision
	value    tablet.Value
	next     *editNode
	list     *editList
}

// editList is a per-column (or delete-revision) chain of edit nodes.
type editList struct {
	head *editNode
}

// prepend adds a new uncommitted entry at the head and returns it so
// the lock descriptor can remember it for commit/abort fixup.
func (l *editList) prepend(value tablet.Value) *editNode {
	n := &editNode{revision: tablet.UncommittedRevision, value: value, next: l.head, list: l}
	l.head = n
	return n
}

// prependCommitted adds an already-committed entry (used by
// non-atomic writes, which supply a commit timestamp directly and
// never go through the lock/prepare/commit cycle).
func (l *editList) prependCommitted(rev tablet.Revision, value tablet.Value) {
	l.head = &editNode{revision: rev, value: value, next: l.head, list: l}
}

// popUncommittedHead removes the head node if it is still uncommitted
// and returns whether it did — used by Abort.
func (l *editList) popUncommittedHead() bool {
	if l.head != nil && l.head.revision == tablet.UncommittedRevision {
		l.head = l.head.next
		return true
	}
	return false
}

// visibleAt walks the list from head (newest) to tail (oldest) and
// returns the newest entry whose revision resolves to a timestamp
// ≤ ts. Uncommitted entries (revision == UncommittedRevision) are
// skipped, so this read-path helper never returns a value still pending
// in its writer's transaction, not even to that writer.
func (l *editList) visibleAt(revs *tablet.RevisionTable, ts tablet.Timestamp) (tablet.Value, bool) {
	for n := l.head; n != nil; n = n.next {
		if n.revision == tablet.UncommittedRevision {
			continue
		}
		nodeTS, ok := revs.Timestamp(n.revision)
		if !ok {
			continue
		}
		if nodeTS <= ts {
			return n.value, true
		}
	}
	return nil, false
}

// headRevision reports the revision of the list's head entry, or
// InvalidRevision if the list is empty. Used to check revision
// monotonicity.
func (l *editList) headRevision() tablet.Revision {
	if l.head == nil {
		return tablet.InvalidRevision
	}
	return l.head.revision
}

// checkMonotonic validates the edit-list ordering: revisions read head-to-tail
// strictly decrease (once resolved to timestamps) and every non-head
// revision is committed.
func (l *editList) checkMonotonic(revs *tablet.RevisionTable) error {
	var prevTS tablet.Timestamp = tablet.MaxTimestamp
	for n := l.head; n != nil; n = n.next {
		if n != l.head && n.revision == tablet.UncommittedRevision {
			return tablet.NewFatalError("edit-list-monotonicity", "non-head revision uncommitted")
		}
		if n.revision == tablet.UncommittedRevision {
			continue
		}
		ts, ok := revs.Timestamp(n.revision)
		if !ok {
			return tablet.NewFatalError("edit-list-monotonicity", "unresolvable revision")
		}
		if ts >= prevTS {
			return tablet.NewFatalError("edit-list-monotonicity", "revisions not strictly decreasing")
		}
		prevTS = ts
	}
	return nil
}
