package merger

import "github.com/tablekit/tabletnode/pkg/tablet"

// OrderedSource is a store addressable by starting row index — either
// the ordered dynamic store or an ordered chunk store.
type OrderedSource interface {
	StartingRowIndex() uint64
	RowCount() uint64
	RangeAt(lower, upper, trimmedRowCount uint64, fn func(index uint64, values map[int]tablet.Value) bool)
}

// OrderedReader computes [lowerRowIndex, upperRowIndex) from
// tablet-index/row-index bounds (the tablet index itself is handled
// one layer up, by the caller selecting the right tablet), selects
// stores by starting_row_index, and concatenates their rows in index
// order.
type OrderedReader struct{}

func (OrderedReader) Read(lower, upper, trimmedRowCount uint64, sources []OrderedSource, fn func(index uint64, values map[int]tablet.Value) bool) {
	ordered := append([]OrderedSource(nil), sources...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].StartingRowIndex() > ordered[j].StartingRowIndex(); j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	for _, src := range ordered {
		start := src.StartingRowIndex()
		end := start + src.RowCount()
		if end <= lower || start >= upper {
			continue
		}
		lo := lower
		if start > lo {
			lo = start
		}
		hi := upper
		if end < hi {
			hi = end
		}
		cont := true
		src.RangeAt(lo, hi, trimmedRowCount, func(index uint64, values map[int]tablet.Value) bool {
			if !fn(index, values) {
				cont = false
				return false
			}
			return true
		})
		if !cont {
			return
		}
	}
}
