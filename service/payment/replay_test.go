package payment

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayGuard_AddOnce(t *testing.T) {
	guard := NewReplayGuard(100, 50, nil)

	assert.False(t, guard.Contains("sig-a"))
	assert.True(t, guard.Add("sig-a"))
	assert.True(t, guard.Contains("sig-a"))
	assert.False(t, guard.Add("sig-a"))
	assert.Equal(t, 1, guard.Len())
}

func TestReplayGuard_ConcurrentAddSingleWinner(t *testing.T) {
	guard := NewReplayGuard(1000, 500, nil)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if guard.Add("contested") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, guard.Len())
}

func TestReplayGuard_EvictsOldestPastHighWater(t *testing.T) {
	guard := NewReplayGuard(10, 5, nil)

	for i := 0; i < 11; i++ {
		require.True(t, guard.Add(fmt.Sprintf("sig-%02d", i)))
	}

	// Crossing the high-water mark evicts oldest-first down to the low-water
	// mark: 11 entries drop to 5.
	assert.Equal(t, 5, guard.Len())
	assert.False(t, guard.Contains("sig-00"))
	assert.False(t, guard.Contains("sig-05"))
	assert.True(t, guard.Contains("sig-06"))
	assert.True(t, guard.Contains("sig-10"))

	// An evicted signature is forgotten entirely.
	assert.True(t, guard.Add("sig-00"))
}

func TestReplayGuard_BoundsFallBackToDefaults(t *testing.T) {
	guard := NewReplayGuard(0, 0, nil)
	assert.Equal(t, DefaultReplayHighWater, guard.highWater)
	assert.Equal(t, DefaultReplayLowWater, guard.lowWater)

	inverted := NewReplayGuard(100, 200, nil)
	assert.Equal(t, 100, inverted.highWater)
	assert.Equal(t, 50, inverted.lowWater)
}

func TestReplayGuard_Clear(t *testing.T) {
	guard := NewReplayGuard(100, 50, nil)
	guard.Add("sig-a")
	guard.Add("sig-b")
	require.Equal(t, 2, guard.Len())

	guard.Clear()
	assert.Equal(t, 0, guard.Len())
	assert.False(t, guard.Contains("sig-a"))
	assert.True(t, guard.Add("sig-a"))
}
