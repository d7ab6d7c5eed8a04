package turn

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/replay"
	"lockstep/server/internal/sim"
)

type recordingTransport struct {
	own     []uint32
	updates []uint32
}

func (r *recordingTransport) PostCommand(m *Manager, playerID int32, payload []byte) {
	m.AddCommand(m.ClientID(), playerID, payload, m.CurrentTurn()+m.CommandDelay())
}

func (r *recordingTransport) FinishedOwnCommands(_ *Manager, turn uint32) {
	r.own = append(r.own, turn)
}

func (r *recordingTransport) FinishedUpdate(_ *Manager, turn uint32) {
	r.updates = append(r.updates, turn)
}

type captureSim struct {
	batches [][]sim.Command
	lengths []uint32
	flushed int
}

func (c *captureSim) Update(turnLength uint32, commands []sim.Command) {
	c.batches = append(c.batches, commands)
	c.lengths = append(c.lengths, turnLength)
}

func (c *captureSim) ComputeStateHash(bool) sim.StateHash { return "" }
func (c *captureSim) SerializeState() ([]byte, error)     { return []byte{1}, nil }
func (c *captureSim) DeserializeState([]byte) error       { return nil }
func (c *captureSim) FlushDestroyedEntities()             { c.flushed++ }

func TestAddCommandAdmissionWindow(t *testing.T) {
	m := NewManager(&captureSim{}, &recordingTransport{}, Config{ClientID: 1})
	require.Equal(t, uint32(2), m.CommandDelay())

	assert.False(t, m.AddCommand(1, 1, nil, 0), "current turn must be rejected")
	assert.True(t, m.AddCommand(1, 1, nil, 1))
	assert.True(t, m.AddCommand(1, 1, nil, 3), "current+delay+1 is the last admissible turn")
	assert.False(t, m.AddCommand(1, 1, nil, 4), "current+delay+2 must be rejected")

	m.ResetState(10, 10)
	assert.False(t, m.AddCommand(1, 1, nil, 10))
	assert.True(t, m.AddCommand(1, 1, nil, 13))
	assert.False(t, m.AddCommand(1, 1, nil, 14))
}

func TestUpdateWaitsForAuthorization(t *testing.T) {
	transport := &recordingTransport{}
	simulation := &captureSim{}
	m := NewManager(simulation, transport, Config{ClientID: 1})

	require.True(t, m.Update(200*time.Millisecond, 5))
	assert.Equal(t, uint32(1), m.CurrentTurn())
	assert.Equal(t, []uint32{2}, transport.own)
	assert.Equal(t, []uint32{1}, transport.updates)

	assert.False(t, m.Update(200*time.Millisecond, 5), "stall is reported as no progress")
	assert.Zero(t, m.deltaSimTime)

	err := m.FinishedAllCommands(3, 200)
	require.ErrorIs(t, err, ErrTurnOutOfOrder)

	require.NoError(t, m.FinishedAllCommands(2, 250))
	require.True(t, m.Update(100*time.Millisecond, 5))
	assert.Equal(t, uint32(2), m.CurrentTurn())
	assert.Equal(t, uint32(250), m.TurnLength())
	assert.Equal(t, []uint32{200, 250}, simulation.lengths)
	assert.Equal(t, 2, simulation.flushed)
}

func TestUpdateClampsCatchUp(t *testing.T) {
	m, _ := NewLocal(&captureSim{}, Config{})

	assert.False(t, m.Update(-time.Second, 100))
	assert.Zero(t, m.CurrentTurn())

	require.True(t, m.Update(10*time.Second, 100))
	assert.Equal(t, uint32(3), m.CurrentTurn(), "delta is clamped to two turn lengths")

	m2, _ := NewLocal(&captureSim{}, Config{})
	require.True(t, m2.Update(10*time.Second, 1))
	assert.Equal(t, uint32(1), m2.CurrentTurn(), "maxTurns bounds each call")
}

func TestBatchUsesClientOrder(t *testing.T) {
	simulation := &captureSim{}
	m, _ := NewLocal(simulation, Config{ClientID: 9})

	require.True(t, m.AddCommand(5, 5, []byte("late"), 1))
	require.True(t, m.AddCommand(2, 2, []byte("first"), 1))
	require.True(t, m.AddCommand(5, 5, []byte("later"), 1))
	m.PostCommand(9, []byte("own"))

	require.True(t, m.Update(200*time.Millisecond, 1))
	require.Len(t, simulation.batches, 1)
	var payloads []string
	for _, cmd := range simulation.batches[0] {
		payloads = append(payloads, string(cmd.Payload))
	}
	assert.Equal(t, []string{"first", "late", "later", "own"}, payloads)
}

func TestUpdateFastForward(t *testing.T) {
	transport := &recordingTransport{}
	simulation := &captureSim{}
	m := NewManager(simulation, transport, Config{})
	m.ResetState(8, 8)

	require.True(t, m.AddCommand(3, 1, []byte("a"), 9))
	require.True(t, m.AddCommand(3, 1, []byte("b"), 10))
	require.NoError(t, m.FinishedAllCommands(9, 200))
	require.NoError(t, m.FinishedAllCommands(10, 200))

	assert.Equal(t, 2, m.UpdateFastForward())
	assert.Equal(t, uint32(10), m.CurrentTurn())
	assert.Empty(t, transport.own)
	assert.Empty(t, transport.updates)
	require.Len(t, simulation.batches, 2)
	assert.Equal(t, []byte("b"), simulation.batches[1][0].Payload)
}

type backlogTransport struct {
	recordingTransport
	held map[uint32][]byte
}

func (b *backlogTransport) Admit(m *Manager) {
	for turn, payload := range b.held {
		if m.Admits(turn) {
			m.AddCommand(7, 1, payload, turn)
			delete(b.held, turn)
		}
	}
}

func TestAdmitterFeedsTurnsBeyondWindow(t *testing.T) {
	transport := &backlogTransport{held: map[uint32][]byte{6: []byte("six"), 9: []byte("nine")}}
	simulation := &captureSim{}
	m := NewManager(simulation, transport, Config{})
	require.False(t, m.Admits(6))

	for turn := uint32(2); turn <= 6; turn++ {
		require.NoError(t, m.FinishedAllCommands(turn, 200))
	}
	assert.Equal(t, 6, m.UpdateFastForward())
	require.Len(t, simulation.batches, 6)
	require.Len(t, simulation.batches[5], 1)
	assert.Equal(t, []byte("six"), simulation.batches[5][0].Payload)
	assert.Contains(t, transport.held, uint32(9))

	for turn := uint32(7); turn <= 9; turn++ {
		require.NoError(t, m.FinishedAllCommands(turn, 200))
		require.True(t, m.Update(200*time.Millisecond, 1))
	}
	assert.Empty(t, transport.held)
	require.Len(t, simulation.batches[8], 1)
	assert.Equal(t, uint32(9), simulation.batches[8][0].Turn)
}

func TestQuickSaveQuickLoad(t *testing.T) {
	ledger := sim.NewLedger([]byte("seed"))
	m, _ := NewLocal(ledger, Config{})

	require.ErrorIs(t, m.QuickLoad(), ErrNoSnapshot)

	for i := 0; i < 3; i++ {
		m.PostCommand(1, []byte{byte(i)})
		require.True(t, m.Update(200*time.Millisecond, 1))
	}
	saved := ledger.ComputeStateHash(false)
	require.NoError(t, m.QuickSave())

	m.PostCommand(1, []byte("discarded"))
	require.True(t, m.Update(200*time.Millisecond, 1))
	require.NotEqual(t, saved, ledger.ComputeStateHash(false))

	m.PostCommand(1, []byte("stale"))
	require.NoError(t, m.QuickLoad())
	assert.Equal(t, saved, ledger.ComputeStateHash(false))
	assert.Equal(t, uint32(0), m.CurrentTurn())
	assert.Equal(t, uint32(1), m.ReadyTurn())

	require.True(t, m.Update(200*time.Millisecond, 1))
	assert.Equal(t, uint64(3), ledger.CommandsFor(1), "stale command was discarded")
}

func TestTimeWarpRing(t *testing.T) {
	m, _ := NewLocal(sim.NewLedger(nil), Config{})
	require.ErrorIs(t, m.RewindTimeWarp(), ErrNoSnapshot)

	m.EnableTimeWarpRecording(2)
	for i := 0; i < 4; i++ {
		require.True(t, m.Update(200*time.Millisecond, 1))
	}
	require.Len(t, m.timeWarpStates, 2)

	require.NoError(t, m.RewindTimeWarp())
	assert.Equal(t, uint32(0), m.CurrentTurn())
	assert.Equal(t, uint32(1), m.ReadyTurn())
	require.NoError(t, m.RewindTimeWarp())
	require.ErrorIs(t, m.RewindTimeWarp(), ErrNoSnapshot)

	m.EnableTimeWarpRecording(1)
	for i := 0; i < maxTimeWarpStates+4; i++ {
		require.True(t, m.Update(200*time.Millisecond, 1))
	}
	assert.Len(t, m.timeWarpStates, maxTimeWarpStates)
}

func TestReplayVerifiesRecordedHashes(t *testing.T) {
	recorder := replay.NewRecorder("")
	live, local := NewLocal(sim.NewLedger([]byte("match")), Config{Replay: recorder})
	local.RecordHashes = true
	for i := 0; i < 25; i++ {
		if i%3 == 0 {
			live.PostCommand(1, []byte{byte(i)})
		}
		require.True(t, live.Update(200*time.Millisecond, 1))
	}
	log := recorder.Log()
	require.Len(t, log.Turns, 25)
	assert.False(t, log.Turns[0].Quick, "turn one carries a full hash")
	assert.True(t, log.Turns[1].Quick)

	playback := sim.NewLedger([]byte("match"))
	m, verifier := NewReplay(playback, log, Config{})
	for !verifier.Finished(m) {
		require.True(t, m.Update(400*time.Millisecond, 10))
	}
	assert.False(t, m.Update(400*time.Millisecond, 10), "replay stops at the final turn")
	assert.Empty(t, verifier.Mismatches())
	assert.Equal(t, live.Simulation().ComputeStateHash(false), playback.ComputeStateHash(false))

	log.Turns[6].Hash = "tampered"
	m, verifier = NewReplay(sim.NewLedger([]byte("match")), log, Config{})
	for !verifier.Finished(m) {
		m.Update(400*time.Millisecond, 10)
	}
	first, ok := verifier.FirstMismatch()
	require.True(t, ok)
	assert.Equal(t, uint32(7), first.Turn)
	assert.Len(t, verifier.Mismatches(), 1)
}

func TestLoopFrame(t *testing.T) {
	mock := clock.NewMock()
	m, _ := NewLocal(&captureSim{}, Config{})
	loop := NewLoop(m, mock, LoopConfig{FrameRate: 5, CatchupMaxTurns: 1})

	first := loop.Frame(mock.Now(), 200*time.Millisecond)
	second := loop.Frame(mock.Now(), 50*time.Millisecond)

	assert.True(t, first.Progressed)
	assert.Equal(t, uint32(1), first.Turn)
	assert.Equal(t, uint64(2), second.Frame)
	assert.Equal(t, 50*time.Millisecond, second.Delta)
}
