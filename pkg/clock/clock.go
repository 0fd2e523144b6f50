// Package clock provides the TimestampProvider collaborator: a
// source of monotonic hybrid timestamps the tablet core never mints on
// its own. A single process-wide instance is normally injected at
// wiring time.
package clock

import (
	"sync"
	"time"

	"github.com/tablekit/tabletnode/pkg/tablet"
)

// Provider yields monotonic 64-bit hybrid timestamps.
type Provider interface {
	// GenerateTimestamp returns a timestamp strictly greater than any
	// previously generated by this provider.
	GenerateTimestamp() tablet.Timestamp
}

// counterBits is the number of low bits reserved for a within-tick
// monotonic counter, so back-to-back calls inside the same wall-clock
// millisecond still produce distinct, increasing timestamps.
const counterBits = 18

// HybridProvider composes wall-clock milliseconds (high bits) with a
// monotonic counter (low bits).
type HybridProvider struct {
	mu      sync.Mutex
	lastMs  int64
	counter uint64
}

func NewHybridProvider() *HybridProvider { return &HybridProvider{} }

func (p *HybridProvider) GenerateTimestamp() tablet.Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms <= p.lastMs {
		p.counter++
		if p.counter>>counterBits != 0 {
			// counter overflowed within the same millisecond tick; force
			// the clock forward rather than emitting a duplicate.
			p.lastMs++
			p.counter = 0
		}
	} else {
		p.lastMs = ms
		p.counter = 0
	}
	return tablet.Timestamp(uint64(p.lastMs)<<counterBits | p.counter)
}

// Fixed is a deterministic provider for tests: each call returns the
// next value from a caller-supplied sequence, and panics once
// exhausted.
type Fixed struct {
	mu     sync.Mutex
	values []tablet.Timestamp
	next   int
}

func NewFixed(values ...tablet.Timestamp) *Fixed {
	return &Fixed{values: values}
}

func (f *Fixed) GenerateTimestamp() tablet.Timestamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.values) {
		panic("clock.Fixed: sequence exhausted")
	}
	v := f.values[f.next]
	f.next++
	return v
}
