package netserver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/telemetry"
)

func TestQueueDrainsInOrder(t *testing.T) {
	metrics := &telemetry.Counters{}
	q := NewQueue[int]("test", 2, metrics)
	pushed := 0
	q.onPushed = func() { pushed++ }

	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	assert.False(t, q.Push(3), "a full queue rejects")
	assert.Equal(t, 2, pushed)
	assert.Equal(t, uint64(1), metrics.Snapshot()["lockstep_queue_overflow_total_test"])
	assert.Equal(t, uint64(2), metrics.Snapshot()["lockstep_queue_occupancy_test"])

	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.Nil(t, q.Drain())
	assert.Zero(t, q.Len())

	require.True(t, q.Push(4))
	assert.Equal(t, []int{4}, q.Drain())
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[int]("concurrent", 64, nil)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, q.Drain(), 64)
}

func TestAssignmentsReclaim(t *testing.T) {
	a := NewAssignments()
	a.Add("g1", "alice", a.FreePlayer(2))
	a.Add("g2", "bob", a.FreePlayer(2))
	a.Add("g3", "carol", a.FreePlayer(2))
	assert.Equal(t, int32(0), a.PlayerID("g1"))
	assert.Equal(t, int32(1), a.PlayerID("g2"))
	assert.True(t, observer(a.PlayerID("g3")))

	a.Disable("g2")
	assert.Equal(t, 1, a.Reclaimable())
	guid, ok := a.FindDisabled("", "Bob (1400)")
	require.True(t, ok, "a returning name reclaims the slot")
	assert.Equal(t, "g2", guid)
	guid, ok = a.FindDisabled("g2", "someone")
	require.True(t, ok)
	assert.Equal(t, "g2", guid)
	_, ok = a.FindDisabled("", "alice")
	assert.False(t, ok, "enabled entries cannot be reclaimed")

	a.EraseDisabled()
	assert.Zero(t, a.Reclaimable())
	assert.Len(t, a.Roster().Assignments, 2)
}
