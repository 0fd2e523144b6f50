package balancer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablekit/tabletnode/pkg/config"
	"github.com/tablekit/tabletnode/pkg/dynamicstore"
	"github.com/tablekit/tabletnode/pkg/merger"
	"github.com/tablekit/tabletnode/pkg/replicatedlog"
	"github.com/tablekit/tabletnode/pkg/tablet"
)

type mergerSourceStub struct{ keys []tablet.Key }

func (s mergerSourceStub) Keys(lower, upper tablet.Key) []tablet.Key { return s.keys }
func (s mergerSourceStub) RawVersions(key tablet.Key) (map[int][]dynamicstore.ColumnVersion, []tablet.Timestamp, bool) {
	return nil, nil, false
}

func TestComputeSplitFactorBoundsByDesiredFloorAndMax(t *testing.T) {
	assert.Equal(t, 0, computeSplitFactor(100, 0, 0, 10), "a zero desired size disables splitting")
	assert.Equal(t, 0, computeSplitFactor(100, 1000, 0, 10), "below desired size, no split")
	assert.Equal(t, 4, computeSplitFactor(400, 100, 0, 10))
	assert.Equal(t, 2, computeSplitFactor(400, 100, 0, 2), "capped by maxFactor")
	assert.Equal(t, 2, computeSplitFactor(400, 100, 200, 10), "capped by the floor size")
}

func TestEvenlySpacedDividesIntoRoughlyEqualPieces(t *testing.T) {
	sorted := []tablet.Key{tablet.Key("a"), tablet.Key("b"), tablet.Key("c"), tablet.Key("d")}
	pivots := evenlySpaced(sorted, 1)
	require.Len(t, pivots, 1)

	assert.Nil(t, evenlySpaced(sorted, 0))
	assert.Nil(t, evenlySpaced(nil, 2))
}

func TestDedupeAndClampDropsOutOfRangeAndDuplicateKeys(t *testing.T) {
	p := &tablet.Partition{Pivot: tablet.Key("b"), NextPivot: tablet.Key("y")}
	keys := []tablet.Key{tablet.Key("a"), tablet.Key("c"), tablet.Key("c"), tablet.Key("z")}
	out := dedupeAndClamp(keys, p)
	assert.Equal(t, []tablet.Key{tablet.Key("c")}, out, "keys outside [Pivot, NextPivot) and duplicates must be dropped")
}

func TestSampleKeysStepsEvenlyAcrossSourcesAndLimit(t *testing.T) {
	src := mergerSourceStub{keys: []tablet.Key{tablet.Key("a"), tablet.Key("b"), tablet.Key("c"), tablet.Key("d")}}
	out := sampleKeys([]merger.Source{src}, nil, nil, 2)
	assert.Len(t, out, 2)

	assert.Nil(t, sampleKeys([]merger.Source{src}, nil, nil, 0))
}

func TestTrySplitResetsStateWhenNoReplicatedLog(t *testing.T) {
	p := &tablet.Partition{ID: "p0", State: tablet.PartitionNormal, Pivot: nil, NextPivot: nil}
	tb := tablet.NewSortedTablet("t1", "c1", tablet.Schema{}, nil, nil)
	cfg := config.BalancerConfig{DesiredPartitionDataSize: 100, MaxPartitionCount: 10, MaxPartitioningSampleCount: 10}
	b := New(cfg, nil, nil)

	src := mergerSourceStub{keys: []tablet.Key{tablet.Key("b"), tablet.Key("c"), tablet.Key("d")}}
	cand := Candidate{Tablet: tb, Partition: p, Sources: []merger.Source{src}, PartitionCount: 1, DataSize: 1000}

	require.NoError(t, b.trySplit(cand))
	assert.Equal(t, tablet.PartitionNormal, p.State, "without a replicated log the attempt must reset back to normal")
}

func TestTryMergeResetsStateWhenNoReplicatedLog(t *testing.T) {
	p := &tablet.Partition{ID: "p1", Index: 1, State: tablet.PartitionNormal}
	tb := tablet.NewSortedTablet("t1", "c1", tablet.Schema{}, nil, nil)
	cfg := config.BalancerConfig{}
	b := New(cfg, nil, nil)

	cand := Candidate{Tablet: tb, Partition: p, PartitionCount: 2, MaxPotentialSize: 1}
	require.NoError(t, b.tryMerge(cand))
	assert.Equal(t, tablet.PartitionNormal, p.State)
}

func TestTrySampleResetsStateWhenNoReplicatedLog(t *testing.T) {
	p := &tablet.Partition{ID: "p0", State: tablet.PartitionNormal}
	tb := tablet.NewSortedTablet("t1", "c1", tablet.Schema{}, nil, nil)
	cfg := config.BalancerConfig{SamplesPerPartition: 10}
	b := New(cfg, nil, nil)

	src := mergerSourceStub{keys: []tablet.Key{tablet.Key("a")}}
	cand := Candidate{Tablet: tb, Partition: p, Sources: []merger.Source{src}}
	require.NoError(t, b.trySample(cand))
	assert.Equal(t, tablet.PartitionNormal, p.State)
}

type fakeBalancerSink struct {
	split   *SplitPartition
	merge   *MergePartitions
	samples *UpdatePartitionSampleKeys
}

func (f *fakeBalancerSink) ApplySplitPartition(p SplitPartition) error   { f.split = &p; return nil }
func (f *fakeBalancerSink) ApplyMergePartitions(p MergePartitions) error { f.merge = &p; return nil }
func (f *fakeBalancerSink) ApplyUpdateSampleKeys(p UpdatePartitionSampleKeys) error {
	f.samples = &p
	return nil
}

func TestApplierDispatchesOnMutationOp(t *testing.T) {
	sink := &fakeBalancerSink{}
	applier := &Applier{Sink: sink}

	data, err := json.Marshal(SplitPartition{TabletID: "t1", PartitionID: "p0", PivotKeys: []tablet.Key{tablet.Key("m")}})
	require.NoError(t, err)
	require.NoError(t, applier.Apply(replicatedlog.Mutation{Op: "SplitPartition", Data: data}))
	require.NotNil(t, sink.split)
	assert.Equal(t, "p0", sink.split.PartitionID)

	data, err = json.Marshal(MergePartitions{TabletID: "t1", FirstIndex: 2, Count: 2})
	require.NoError(t, err)
	require.NoError(t, applier.Apply(replicatedlog.Mutation{Op: "MergePartitions", Data: data}))
	require.NotNil(t, sink.merge)
	assert.Equal(t, 2, sink.merge.FirstIndex)

	err = applier.Apply(replicatedlog.Mutation{Op: "Unknown"})
	assert.Error(t, err)
}
