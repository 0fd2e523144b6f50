package balancer

import (
	"strconv"
	"time"

	"github.com/tablekit/tabletnode/pkg/tablet"
)

// TabletLookup resolves a tablet ID to its in-memory Tablet, typically
// backed by the tablet service's mounted-tablet registry.
type TabletLookup func(tabletID string) (*tablet.Tablet, bool)

// TabletSink is the default Sink: it applies split/merge/sample
// mutations directly to the mounted Tablet's partition list. A split
// or merge only rewrites partition boundaries; the stores overlapping
// the old boundary are inherited by every new partition unchanged; it
// is the compactor's job to later rewrite the overlapping data into
// per-partition chunks.
type TabletSink struct {
	Lookup TabletLookup
}

func (s *TabletSink) ApplySplitPartition(m SplitPartition) error {
	t, ok := s.Lookup(m.TabletID)
	if !ok {
		return tablet.NewError(tablet.CodeTabletNotMounted, "balancer: unknown tablet").WithAttr("tablet", m.TabletID)
	}

	t.Lock()
	defer t.Unlock()

	partitions := t.Partitions()
	var target *tablet.Partition
	idx := -1
	for i, p := range partitions {
		if p.ID == m.PartitionID {
			target = p
			idx = i
			break
		}
	}
	if target == nil {
		return tablet.NewError(tablet.CodeTabletNotMounted, "balancer: unknown partition").WithAttr("partition", m.PartitionID)
	}

	bounds := append([]tablet.Key{target.Pivot}, m.PivotKeys...)
	bounds = append(bounds, target.NextPivot)

	replacement := make([]*tablet.Partition, 0, len(m.PivotKeys)+1)
	for i := 0; i < len(bounds)-1; i++ {
		replacement = append(replacement, &tablet.Partition{
			ID:        uniquePartitionID(m.PartitionID, i),
			Pivot:     bounds[i],
			NextPivot: bounds[i+1],
			State:     tablet.PartitionNormal,
			StoreIDs:  append([]string(nil), target.StoreIDs...),
		})
	}

	next := make([]*tablet.Partition, 0, len(partitions)+len(replacement)-1)
	next = append(next, partitions[:idx]...)
	next = append(next, replacement...)
	next = append(next, partitions[idx+1:]...)
	t.ReplacePartitions(next)
	return nil
}

func (s *TabletSink) ApplyMergePartitions(m MergePartitions) error {
	t, ok := s.Lookup(m.TabletID)
	if !ok {
		return tablet.NewError(tablet.CodeTabletNotMounted, "balancer: unknown tablet").WithAttr("tablet", m.TabletID)
	}

	t.Lock()
	defer t.Unlock()

	partitions := t.Partitions()
	if m.FirstIndex < 0 || m.Count < 1 || m.FirstIndex+m.Count > len(partitions) {
		return tablet.NewError(tablet.CodeInvalidState, "balancer: merge range out of bounds").WithAttr("tablet", m.TabletID)
	}

	group := partitions[m.FirstIndex : m.FirstIndex+m.Count]
	storeSet := make(map[string]struct{})
	var storeIDs []string
	for _, p := range group {
		for _, id := range p.StoreIDs {
			if _, seen := storeSet[id]; !seen {
				storeSet[id] = struct{}{}
				storeIDs = append(storeIDs, id)
			}
		}
	}
	merged := &tablet.Partition{
		ID:        uniquePartitionID("m", m.FirstIndex),
		Pivot:     group[0].Pivot,
		NextPivot: group[len(group)-1].NextPivot,
		State:     tablet.PartitionNormal,
		StoreIDs:  storeIDs,
	}

	next := make([]*tablet.Partition, 0, len(partitions)-m.Count+1)
	next = append(next, partitions[:m.FirstIndex]...)
	next = append(next, merged)
	next = append(next, partitions[m.FirstIndex+m.Count:]...)
	t.ReplacePartitions(next)
	return nil
}

func (s *TabletSink) ApplyUpdateSampleKeys(m UpdatePartitionSampleKeys) error {
	t, ok := s.Lookup(m.TabletID)
	if !ok {
		return tablet.NewError(tablet.CodeTabletNotMounted, "balancer: unknown tablet").WithAttr("tablet", m.TabletID)
	}

	t.Lock()
	defer t.Unlock()

	for _, p := range t.Partitions() {
		if p.ID == m.PartitionID {
			p.SamplingTime = time.Now()
			return nil
		}
	}
	return tablet.NewError(tablet.CodeTabletNotMounted, "balancer: unknown partition").WithAttr("partition", m.PartitionID)
}

func uniquePartitionID(base string, i int) string {
	return base + "-" + strconv.Itoa(i)
}
