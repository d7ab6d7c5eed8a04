package netserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/journal"
	"lockstep/server/internal/sim"
)

type syncReport struct {
	turn     uint32
	expected sim.StateHash
	players  []string
}

type aggregatorRecorder struct {
	batches []uint32
	syncs   []syncReport
}

func (r *aggregatorRecorder) hooks() AggregatorHooks {
	return AggregatorHooks{
		EndBatch: func(turn, _ uint32) { r.batches = append(r.batches, turn) },
		SyncError: func(turn uint32, expected sim.StateHash, players []string) {
			r.syncs = append(r.syncs, syncReport{turn: turn, expected: expected, players: players})
		},
	}
}

func newTestAggregator(t *testing.T, observerMaxLag int) (*TurnAggregator, *aggregatorRecorder, *journal.Archive) {
	t.Helper()
	rec := &aggregatorRecorder{}
	archive := journal.NewArchive(200)
	return NewTurnAggregator(2, 200, observerMaxLag, archive, rec.hooks()), rec, archive
}

func TestAggregatorWaitsForEveryClient(t *testing.T) {
	agg, rec, _ := newTestAggregator(t, 10)
	agg.InitialiseClient(1, "a", 0, false)
	agg.InitialiseClient(2, "b", 0, false)
	require.Equal(t, uint32(1), agg.ReadyTurn())

	require.NoError(t, agg.NotifyFinishedClientCommands(1, 2))
	assert.Equal(t, uint32(1), agg.ReadyTurn(), "one client alone cannot authorize a turn")
	assert.Empty(t, rec.batches)

	require.NoError(t, agg.NotifyFinishedClientCommands(2, 2))
	assert.Equal(t, uint32(2), agg.ReadyTurn())
	assert.Equal(t, []uint32{2}, rec.batches)
}

func TestAggregatorStragglerGatesAdvancement(t *testing.T) {
	agg, rec, archive := newTestAggregator(t, 10)
	agg.InitialiseClient(1, "a", 0, false)
	agg.InitialiseClient(2, "b", 0, false)

	for turn := uint32(2); turn <= 4; turn++ {
		require.NoError(t, agg.NotifyFinishedClientCommands(1, turn))
	}
	assert.Equal(t, uint32(1), agg.ReadyTurn())

	require.NoError(t, agg.NotifyFinishedClientCommands(2, 2))
	agg.SetTurnLength(150)
	require.NoError(t, agg.NotifyFinishedClientCommands(2, 3))
	assert.Equal(t, uint32(3), agg.ReadyTurn())
	assert.Equal(t, []uint32{2, 3}, rec.batches)
	assert.Equal(t, uint32(200), archive.TurnLength(2))
	assert.Equal(t, uint32(150), archive.TurnLength(3))
}

func TestAggregatorDepartureUnblocksSeveralTurns(t *testing.T) {
	agg, rec, _ := newTestAggregator(t, 10)
	agg.InitialiseClient(1, "a", 0, false)
	agg.InitialiseClient(2, "b", 0, false)
	for turn := uint32(2); turn <= 4; turn++ {
		require.NoError(t, agg.NotifyFinishedClientCommands(1, turn))
	}

	agg.UninitialiseClient(2)
	assert.Equal(t, uint32(4), agg.ReadyTurn())
	assert.Equal(t, []uint32{2, 3, 4}, rec.batches)
}

func TestAggregatorObserverLag(t *testing.T) {
	agg, _, _ := newTestAggregator(t, 2)
	agg.InitialiseClient(1, "player", 0, false)
	agg.InitialiseClient(2, "observer", 0, true)

	require.NoError(t, agg.NotifyFinishedClientCommands(1, 2))
	require.NoError(t, agg.NotifyFinishedClientCommands(1, 3))
	assert.Equal(t, uint32(3), agg.ReadyTurn(), "an observer within the lag bound does not block")

	require.NoError(t, agg.NotifyFinishedClientCommands(1, 4))
	assert.Equal(t, uint32(3), agg.ReadyTurn(), "an observer past the lag bound blocks")

	require.NoError(t, agg.NotifyFinishedClientCommands(2, 2))
	assert.Equal(t, uint32(4), agg.ReadyTurn())
}

func TestAggregatorUnboundedObserverLag(t *testing.T) {
	agg, _, _ := newTestAggregator(t, -1)
	agg.InitialiseClient(1, "player", 0, false)
	agg.InitialiseClient(2, "observer", 0, true)
	for turn := uint32(2); turn <= 20; turn++ {
		require.NoError(t, agg.NotifyFinishedClientCommands(1, turn))
	}
	assert.Equal(t, uint32(20), agg.ReadyTurn())
}

func TestAggregatorRejectsNonMonotonicReports(t *testing.T) {
	agg, _, _ := newTestAggregator(t, 10)
	agg.InitialiseClient(1, "a", 0, false)

	require.ErrorIs(t, agg.NotifyFinishedClientCommands(1, 3), ErrNonMonotonicTurn)
	require.ErrorIs(t, agg.NotifyFinishedClientCommands(1, 1), ErrNonMonotonicTurn)
	require.ErrorIs(t, agg.NotifyFinishedClientUpdate(1, 2, "h"), ErrNonMonotonicTurn)
	require.ErrorIs(t, agg.NotifyFinishedClientCommands(9, 2), ErrUnknownClient)
	require.ErrorIs(t, agg.NotifyFinishedClientUpdate(9, 1, "h"), ErrUnknownClient)

	require.NoError(t, agg.NotifyFinishedClientUpdate(1, 1, "h"))
	require.ErrorIs(t, agg.NotifyFinishedClientUpdate(1, 1, "h"), ErrNonMonotonicTurn)
}

func TestAggregatorDetectsDivergence(t *testing.T) {
	agg, rec, _ := newTestAggregator(t, 10)
	agg.InitialiseClient(1, "a", 0, false)
	agg.InitialiseClient(2, "b", 0, false)
	agg.InitialiseClient(3, "c", 0, false)

	require.NoError(t, agg.NotifyFinishedClientUpdate(1, 1, "x"))
	require.NoError(t, agg.NotifyFinishedClientUpdate(2, 1, "x"))
	assert.Empty(t, rec.syncs, "hashes are compared once every client simulated the turn")
	require.NoError(t, agg.NotifyFinishedClientUpdate(3, 1, "y"))

	require.Len(t, rec.syncs, 1)
	assert.Equal(t, syncReport{turn: 1, expected: "x", players: []string{"c"}}, rec.syncs[0])
	assert.True(t, agg.HasSyncError())
	c, ok := agg.Client(3)
	require.True(t, ok)
	assert.True(t, c.OOS)
	assert.Zero(t, agg.PendingHashTurns())

	// An out of sync client reporting first never becomes the reference,
	// and it is not reported twice.
	require.NoError(t, agg.NotifyFinishedClientUpdate(3, 2, "z"))
	require.NoError(t, agg.NotifyFinishedClientUpdate(1, 2, "x2"))
	require.NoError(t, agg.NotifyFinishedClientUpdate(2, 2, "x2"))
	assert.Len(t, rec.syncs, 1)

	agg.UninitialiseClient(3)
	assert.False(t, agg.HasSyncError())
}

func TestAggregatorDepartureCompletesHashCheck(t *testing.T) {
	agg, rec, _ := newTestAggregator(t, 10)
	agg.InitialiseClient(1, "a", 0, false)
	agg.InitialiseClient(2, "b", 0, false)
	agg.InitialiseClient(3, "c", 0, false)

	require.NoError(t, agg.NotifyFinishedClientUpdate(1, 1, "x"))
	require.NoError(t, agg.NotifyFinishedClientUpdate(2, 1, "y"))
	assert.Equal(t, 1, agg.PendingHashTurns())

	agg.UninitialiseClient(3)
	require.Len(t, rec.syncs, 1)
	assert.Equal(t, []string{"b"}, rec.syncs[0].players)
	assert.Zero(t, agg.PendingHashTurns())
}

func TestAggregatorLateAdmission(t *testing.T) {
	agg, rec, _ := newTestAggregator(t, 10)
	agg.InitialiseClient(1, "a", 0, false)
	for turn := uint32(2); turn <= 10; turn++ {
		require.NoError(t, agg.NotifyFinishedClientCommands(1, turn))
	}
	require.Equal(t, uint32(10), agg.ReadyTurn())

	agg.InitialiseClient(2, "b", agg.ReadyTurn(), false)
	c, ok := agg.Client(2)
	require.True(t, ok)
	assert.Equal(t, uint32(11), c.ReadyTurn)
	assert.Equal(t, uint32(10), c.SimulatedTurn)

	require.NoError(t, agg.NotifyFinishedClientCommands(1, 11))
	assert.Equal(t, uint32(11), agg.ReadyTurn(), "the joiner is already ready for the turn after admission")
	require.NoError(t, agg.NotifyFinishedClientCommands(1, 12))
	assert.Equal(t, uint32(11), agg.ReadyTurn())
	require.NoError(t, agg.NotifyFinishedClientCommands(2, 12))
	assert.Equal(t, uint32(12), agg.ReadyTurn())
	assert.Len(t, rec.batches, 11)
}
