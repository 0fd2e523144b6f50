package tablet

import (
	"fmt"
	"time"
)

// PartitionState is the lifecycle state of a sorted tablet's
// partition.
type PartitionState int

const (
	PartitionNormal PartitionState = iota
	PartitionSplitting
	PartitionMerging
	PartitionCompacting
	PartitionPartitioning
	PartitionSampling
)

func (s PartitionState) String() string {
	switch s {
	case PartitionNormal:
		return "Normal"
	case PartitionSplitting:
		return "Splitting"
	case PartitionMerging:
		return "Merging"
	case PartitionCompacting:
		return "Compacting"
	case PartitionPartitioning:
		return "Partitioning"
	case PartitionSampling:
		return "Sampling"
	default:
		return "Unknown"
	}
}

// EdenPartitionID names the distinguished catch-all partition that
// receives newly flushed chunks before they are partitioned.
const EdenPartitionID = "eden"

// Partition is one sub-range of a sorted tablet's key space, or the
// distinguished Eden partition when ID == EdenPartitionID.
type Partition struct {
	ID    string
	Index int // position in the tablet's ordered partition list; -1 for Eden

	Pivot     Key
	NextPivot Key

	State PartitionState

	StoreIDs []string

	SamplingTime        time.Time
	SamplingRequestTime time.Time
	CachedDataSize      int64
}

func (p *Partition) IsEden() bool { return p.ID == EdenPartitionID }

// CheckedSetState implements the balancer's gated transition:
// it only applies `next` if the partition is currently in `expected`;
// on mismatch it returns ErrInvalidTransition and leaves state
// untouched (the caller interprets any failure as "return to Normal").
func (p *Partition) CheckedSetState(expected, next PartitionState) error {
	if p.State != expected {
		return fmt.Errorf("partition %s: expected %s, got %s: %w", p.ID, expected, p.State, ErrInvalidTransition)
	}
	p.State = next
	return nil
}

// Contains reports whether key falls within [Pivot, NextPivot). A nil
// NextPivot means "no upper bound" (the last partition).
func (p *Partition) Contains(key Key) bool {
	if Compare(key, p.Pivot) < 0 {
		return false
	}
	if p.NextPivot == nil {
		return true
	}
	return Compare(key, p.NextPivot) < 0
}

// Intersects reports whether [lower, upper) overlaps [p.Pivot, p.NextPivot).
func (p *Partition) Intersects(lower, upper Key) bool {
	if p.NextPivot != nil && Compare(lower, p.NextPivot) >= 0 {
		return false
	}
	if upper != nil && Compare(upper, p.Pivot) <= 0 {
		return false
	}
	return true
}
