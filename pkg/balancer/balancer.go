// Package balancer reshapes a sorted tablet's partitions: a
// periodic scan samples partition key spaces and proposes
// SplitPartition/MergePartitions/UpdatePartitionSampleKeys mutations
// through the replicated log, gated by Partition.CheckedSetState so a
// partition never has two reshaping operations racing each other.
package balancer

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/log"
	"github.com/tablekit/tabletnode/pkg/merger"
	"github.com/tablekit/tabletnode/pkg/metrics"
	"github.com/tablekit/tabletnode/pkg/replicatedlog"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

// Candidate is one partition the balancer should consider, plus the
// sources needed to sample its key space and the data-size figures
// the reshaping decision is based on.
type Candidate struct {
	Tablet         *tablet.Tablet
	Partition      *tablet.Partition
	Sources        []merger.Source
	PartitionCount int

	// DataSize is the partition's current data size. MaxPotentialSize
	// additionally accounts for every Eden chunk that could still land
	// here, so a partition isn't merged away only to be immediately
	// re-split once Eden drains into it.
	DataSize         int64
	MaxPotentialSize int64
}

// Source supplies every partition currently eligible for balancing
// consideration, typically one entry per non-Eden partition of every
// mounted sorted tablet.
type Source interface {
	BalanceCandidates() []Candidate
}

type Balancer struct {
	cfg    config.BalancerConfig
	src    Source
	rlog   *replicatedlog.Log
	logger zerolog.Logger

	samplingSem *semaphore.Weighted

	stopCh chan struct{}
}

func New(cfg config.BalancerConfig, src Source, rlog *replicatedlog.Log) *Balancer {
	maxSampling := int64(cfg.MaxConcurrentSampling)
	if maxSampling <= 0 {
		maxSampling = 1
	}
	return &Balancer{
		cfg:         cfg,
		src:         src,
		rlog:        rlog,
		logger:      log.WithComponent("balancer"),
		samplingSem: semaphore.NewWeighted(maxSampling),
		stopCh:      make(chan struct{}),
	}
}

func (b *Balancer) Start() { go b.run() }
func (b *Balancer) Stop()  { close(b.stopCh) }

func (b *Balancer) run() {
	interval := b.cfg.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.scan()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Balancer) scan() {
	for _, cand := range b.src.BalanceCandidates() {
		if cand.Partition.State != tablet.PartitionNormal {
			continue
		}
		switch {
		case cand.DataSize > b.cfg.MaxPartitionDataSize:
			if err := b.trySplit(cand); err != nil {
				b.logger.Error().Err(err).Str("partition_id", cand.Partition.ID).Msg("split attempt failed")
			}
		case cand.MaxPotentialSize < b.cfg.MinPartitionDataSize && cand.PartitionCount > 1:
			if err := b.tryMerge(cand); err != nil {
				b.logger.Error().Err(err).Str("partition_id", cand.Partition.ID).Msg("merge attempt failed")
			}
		case time.Since(cand.Partition.SamplingTime) > b.cfg.ResamplingPeriod:
			if !b.samplingSem.TryAcquire(1) {
				continue
			}
			go func(cand Candidate) {
				defer b.samplingSem.Release(1)
				if err := b.trySample(cand); err != nil {
					b.logger.Error().Err(err).Str("partition_id", cand.Partition.ID).Msg("sampling attempt failed")
				}
			}(cand)
		}
	}
}

// trySplit computes a split factor from the partition's data size,
// fetches sample keys strictly past the current pivot, and proposes a
// SplitPartition mutation with the evenly-spaced sample keys that
// divide the data into that many pieces.
func (b *Balancer) trySplit(cand Candidate) error {
	p := cand.Partition
	if err := p.CheckedSetState(tablet.PartitionNormal, tablet.PartitionSplitting); err != nil {
		return err
	}
	defer resetIfStuck(p, tablet.PartitionSplitting)

	maxFactor := b.cfg.MaxPartitionCount - cand.PartitionCount + 1
	if maxFactor < 2 {
		return nil
	}
	splitFactor := computeSplitFactor(cand.DataSize, b.cfg.DesiredPartitionDataSize, b.minPartitioningDataSize(), maxFactor)
	if splitFactor < 2 {
		return nil
	}

	samples := sampleKeys(cand.Sources, p.Pivot, p.NextPivot, b.cfg.MaxPartitioningSampleCount)
	var eligible []tablet.Key
	for _, k := range samples {
		if tablet.Compare(k, p.Pivot) > 0 {
			eligible = append(eligible, k)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return tablet.Compare(eligible[i], eligible[j]) < 0 })
	pivots := evenlySpaced(eligible, splitFactor-1)
	if len(pivots) == 0 {
		return nil
	}

	payload := SplitPartition{TabletID: cand.Tablet.ID, PartitionID: p.ID, PivotKeys: pivots}
	if b.rlog == nil || !b.rlog.IsLeader() {
		return nil
	}
	if err := b.rlog.CreateMutation("SplitPartition", payload); err != nil {
		return err
	}
	metrics.PartitionSplitsTotal.Inc()
	return nil
}

// tryMerge proposes merging the partition with its immediate neighbour
// (the lower-indexed of the pair merges into a single partition
// spanning both, per MergePartitions(first_index, count)).
func (b *Balancer) tryMerge(cand Candidate) error {
	p := cand.Partition
	if err := p.CheckedSetState(tablet.PartitionNormal, tablet.PartitionMerging); err != nil {
		return err
	}
	defer resetIfStuck(p, tablet.PartitionMerging)

	firstIndex := p.Index
	if firstIndex > 0 {
		firstIndex--
	}
	payload := MergePartitions{TabletID: cand.Tablet.ID, FirstIndex: firstIndex, Count: 2}
	if b.rlog == nil || !b.rlog.IsLeader() {
		return nil
	}
	if err := b.rlog.CreateMutation("MergePartitions", payload); err != nil {
		return err
	}
	metrics.PartitionMergesTotal.Inc()
	return nil
}

// trySample fetches fresh sample keys for the partition and proposes
// UpdatePartitionSampleKeys, deduplicating and clamping every sample
// to the partition's own key range so a stale or out-of-range sample
// from a racing split never becomes a split pivot for the wrong
// partition.
func (b *Balancer) trySample(cand Candidate) error {
	p := cand.Partition
	if err := p.CheckedSetState(tablet.PartitionNormal, tablet.PartitionSampling); err != nil {
		return err
	}
	defer resetIfStuck(p, tablet.PartitionSampling)

	raw := sampleKeys(cand.Sources, p.Pivot, p.NextPivot, b.cfg.SamplesPerPartition)
	keys := dedupeAndClamp(raw, p)
	payload := UpdatePartitionSampleKeys{TabletID: cand.Tablet.ID, PartitionID: p.ID, Keys: keys}
	if b.rlog == nil || !b.rlog.IsLeader() {
		return nil
	}
	return b.rlog.CreateMutation("UpdatePartitionSampleKeys", payload)
}

func (b *Balancer) minPartitioningDataSize() int64 {
	// The balancer has no compactor config of its own; a zero floor
	// just means splits are bounded solely by DesiredPartitionDataSize.
	return 0
}

func resetIfStuck(p *tablet.Partition, expected tablet.PartitionState) {
	if p.State == expected {
		p.State = tablet.PartitionNormal
	}
}

// computeSplitFactor bounds the number of output partitions so that
// each piece is close to desiredSize, no smaller than floorSize when
// floorSize is positive, and never exceeds maxFactor partitions
// overall. trySplit passes minPartitioningDataSize(), which is zero, so
// in the balancer only desiredSize and maxFactor bound the result.
func computeSplitFactor(dataSize, desiredSize, floorSize int64, maxFactor int) int {
	if desiredSize <= 0 {
		return 0
	}
	factor := int(dataSize / desiredSize)
	if factor < 2 {
		return 0
	}
	if floorSize > 0 {
		if capByFloor := int(dataSize / floorSize); capByFloor < factor {
			factor = capByFloor
		}
	}
	if factor > maxFactor {
		factor = maxFactor
	}
	return factor
}

// evenlySpaced picks n keys spread across sorted, distributing indices
// across the slice so the chosen pivots divide it into n+1 roughly
// equal pieces.
func evenlySpaced(sorted []tablet.Key, n int) []tablet.Key {
	if n <= 0 || len(sorted) == 0 {
		return nil
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]tablet.Key, 0, n)
	step := float64(len(sorted)) / float64(n+1)
	for i := 1; i <= n; i++ {
		idx := int(float64(i) * step)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		out = append(out, sorted[idx])
	}
	return out
}

// sampleKeys collects up to limit keys from the union of sources
// intersecting [lower, upper): every source's keys are pooled and
// sorted, then the combined list is stepped through evenly, so each
// store contributes in proportion to its key count.
func sampleKeys(sources []merger.Source, lower, upper tablet.Key, limit int) []tablet.Key {
	if limit <= 0 {
		return nil
	}
	var all []tablet.Key
	for _, src := range sources {
		all = append(all, src.Keys(lower, upper)...)
	}
	sort.Slice(all, func(i, j int) bool { return tablet.Compare(all[i], all[j]) < 0 })
	if len(all) <= limit {
		return all
	}
	out := make([]tablet.Key, 0, limit)
	step := float64(len(all)) / float64(limit)
	for i := 0; i < limit; i++ {
		out = append(out, all[int(float64(i)*step)])
	}
	return out
}

// dedupeAndClamp sorts, removes duplicate sample keys, and drops any
// key outside the partition's own [Pivot, NextPivot) range; a racing
// split can hand this scan keys from a neighbour, so both are
// enforced before committing UpdatePartitionSampleKeys.
func dedupeAndClamp(keys []tablet.Key, p *tablet.Partition) []tablet.Key {
	sort.Slice(keys, func(i, j int) bool { return tablet.Compare(keys[i], keys[j]) < 0 })
	out := make([]tablet.Key, 0, len(keys))
	var prev tablet.Key
	for i, k := range keys {
		if !p.Contains(k) {
			continue
		}
		if i > 0 && prev != nil && tablet.Compare(k, prev) == 0 {
			continue
		}
		out = append(out, k)
		prev = k
	}
	return out
}

// SplitPartition is the replicated-log mutation payload proposing a
// partition split at the given pivot keys.
type SplitPartition struct {
	TabletID    string      `json:"tablet_id"`
	PartitionID string      `json:"partition_id"`
	PivotKeys   []tablet.Key `json:"pivot_keys"`
}

// MergePartitions is the replicated-log mutation payload proposing
// that count consecutive partitions starting at firstIndex collapse
// into one.
type MergePartitions struct {
	TabletID   string `json:"tablet_id"`
	FirstIndex int    `json:"first_index"`
	Count      int    `json:"count"`
}

// UpdatePartitionSampleKeys is the replicated-log mutation payload
// carrying a partition's freshly sampled keys. TabletSink applies it by
// stamping the partition's SamplingTime; Keys is not stored on the
// partition.
type UpdatePartitionSampleKeys struct {
	TabletID    string      `json:"tablet_id"`
	PartitionID string      `json:"partition_id"`
	Keys        []tablet.Key `json:"keys"`
}

// Sink applies committed balancer mutations to a tablet's partition
// list. Implementations own the tablet lock and any persistence.
type Sink interface {
	ApplySplitPartition(SplitPartition) error
	ApplyMergePartitions(MergePartitions) error
	ApplyUpdateSampleKeys(UpdatePartitionSampleKeys) error
}

// Applier adapts a Sink to replicatedlog.Applier, dispatching on the
// mutation vocabulary this package defines.
type Applier struct {
	Sink Sink
}

func (a *Applier) Apply(mutation replicatedlog.Mutation) error {
	switch mutation.Op {
	case "SplitPartition":
		var p SplitPartition
		if err := json.Unmarshal(mutation.Data, &p); err != nil {
			return err
		}
		return a.Sink.ApplySplitPartition(p)
	case "MergePartitions":
		var p MergePartitions
		if err := json.Unmarshal(mutation.Data, &p); err != nil {
			return err
		}
		return a.Sink.ApplyMergePartitions(p)
	case "UpdatePartitionSampleKeys":
		var p UpdatePartitionSampleKeys
		if err := json.Unmarshal(mutation.Data, &p); err != nil {
			return err
		}
		return a.Sink.ApplyUpdateSampleKeys(p)
	default:
		return fmt.Errorf("balancer: unknown mutation %q", mutation.Op)
	}
}
