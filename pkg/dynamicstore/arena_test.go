package dynamicstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArenaAllocAccumulates(t *testing.T) {
	var a Arena
	assert.Equal(t, int64(10), a.Alloc(10))
	assert.Equal(t, int64(30), a.Alloc(20))
	assert.Equal(t, int64(30), a.Allocated())
}

func TestArenaReleaseZeroesCounter(t *testing.T) {
	var a Arena
	a.Alloc(100)
	a.Release()
	assert.Equal(t, int64(0), a.Allocated())
}

func TestArenaAllocIsConcurrencySafe(t *testing.T) {
	var a Arena
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Alloc(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), a.Allocated())
}
