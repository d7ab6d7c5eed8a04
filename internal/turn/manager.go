// Package turn implements the lockstep turn manager shared by networked,
// local and replay participants.
package turn

import (
	"errors"
	"fmt"
	"math"
	"time"

	"lockstep/server/internal/sim"
	"lockstep/server/internal/telemetry"
)

const (
	// DefaultCommandDelay is the number of turns between issuing a command and
	// executing it in a networked match.
	DefaultCommandDelay uint32 = 2
	// LocalCommandDelay schedules commands for the very next turn.
	LocalCommandDelay uint32 = 1
	// DefaultTurnLength is the initial turn length in milliseconds.
	DefaultTurnLength uint32 = 200

	maxTimeWarpStates = 16
)

var (
	// ErrTurnOutOfOrder indicates a turn authorization skipped or repeated a turn.
	ErrTurnOutOfOrder = errors.New("turn: authorization out of order")
	// ErrNoSnapshot indicates a rewind or quickload had no saved state.
	ErrNoSnapshot = errors.New("turn: no saved state")
)

// Transport is the capability set a participant variant plugs into the
// shared core. Implementations run on the goroutine that calls Update.
type Transport interface {
	// PostCommand handles a command issued by the local player.
	PostCommand(m *Manager, playerID int32, payload []byte)
	// FinishedOwnCommands is called once no further local commands will be
	// issued for turn.
	FinishedOwnCommands(m *Manager, turn uint32)
	// FinishedUpdate is called after turn has been simulated.
	FinishedUpdate(m *Manager, turn uint32)
}

// Admitter is implemented by transports that hold commands for turns past
// the admission window. Admit runs before every simulated turn, fast
// forwarded or not, and hands over whatever Admits now accepts.
type Admitter interface {
	Admit(m *Manager)
}

// Config tunes a Manager.
type Config struct {
	ClientID     uint32
	CommandDelay uint32
	TurnLength   uint32
	Replay       sim.ReplayLogger
	Logger       telemetry.Logger
}

// Manager buffers commands for future turns and advances the simulation once
// a turn has been authorized.
type Manager struct {
	simulation sim.Simulation
	transport  Transport
	replay     sim.ReplayLogger
	logger     telemetry.Logger

	clientID     uint32
	commandDelay uint32
	currentTurn  uint32
	readyTurn    uint32
	finalTurn    uint32
	turnLength   uint32
	deltaSimTime time.Duration

	// queued[i] holds the commands for turn currentTurn+1+i, keyed by client.
	queued []map[uint32][]sim.Command

	hasSyncError bool

	timeWarpTurns  uint32
	timeWarpStates [][]byte
	quickSave      []byte
}

// NewManager wires the shared core to a simulation and a transport variant.
func NewManager(simulation sim.Simulation, transport Transport, cfg Config) *Manager {
	delay := cfg.CommandDelay
	if delay == 0 {
		delay = DefaultCommandDelay
	}
	turnLength := cfg.TurnLength
	if turnLength == 0 {
		turnLength = DefaultTurnLength
	}
	replay := cfg.Replay
	if replay == nil {
		replay = sim.NopReplayLogger{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	m := &Manager{
		simulation:   simulation,
		transport:    transport,
		replay:       replay,
		logger:       logger,
		clientID:     cfg.ClientID,
		commandDelay: delay,
		readyTurn:    delay - 1,
		finalTurn:    math.MaxUint32,
		turnLength:   turnLength,
	}
	m.resetQueue()
	return m
}

// ClientID reports the id used to key local commands.
func (m *Manager) ClientID() uint32 { return m.clientID }

// CommandDelay reports the configured command delay in turns.
func (m *Manager) CommandDelay() uint32 { return m.commandDelay }

// CurrentTurn reports the last simulated turn.
func (m *Manager) CurrentTurn() uint32 { return m.currentTurn }

// ReadyTurn reports the newest turn authorized for execution.
func (m *Manager) ReadyTurn() uint32 { return m.readyTurn }

// TurnLength reports the current turn length in milliseconds.
func (m *Manager) TurnLength() uint32 { return m.turnLength }

// Simulation exposes the driven simulation.
func (m *Manager) Simulation() sim.Simulation { return m.simulation }

// Replay exposes the replay logger.
func (m *Manager) Replay() sim.ReplayLogger { return m.replay }

// SetFinalTurn stops the manager after turn has been simulated.
func (m *Manager) SetFinalTurn(turn uint32) { m.finalTurn = turn }

// HasSyncError reports whether a divergence has been flagged.
func (m *Manager) HasSyncError() bool { return m.hasSyncError }

// MarkSyncError flags a divergence. It returns false if one was already
// flagged so callers react to the first report only.
func (m *Manager) MarkSyncError() bool {
	if m.hasSyncError {
		return false
	}
	m.hasSyncError = true
	return true
}

// PostCommand hands a local player's command to the transport variant.
func (m *Manager) PostCommand(playerID int32, payload []byte) {
	m.transport.PostCommand(m, playerID, payload)
}

// Admits reports whether turn lies in the admission window
// (currentTurn, currentTurn+commandDelay+1].
func (m *Manager) Admits(turn uint32) bool {
	return m.currentTurn < turn && uint64(turn) <= uint64(m.currentTurn)+uint64(m.commandDelay)+1
}

// AddCommand buffers a command for turn. Commands outside the admission
// window are dropped with a warning.
func (m *Manager) AddCommand(clientID uint32, playerID int32, payload []byte, turn uint32) bool {
	if !m.Admits(turn) {
		m.logger.Printf("[turn] dropping command client=%d player=%d turn=%d current=%d delay=%d", clientID, playerID, turn, m.currentTurn, m.commandDelay)
		return false
	}
	slot := m.queued[turn-(m.currentTurn+1)]
	slot[clientID] = append(slot[clientID], sim.Command{
		ClientID: clientID,
		PlayerID: playerID,
		Turn:     turn,
		Payload:  payload,
	})
	return true
}

// FinishedAllCommands authorizes turn for execution with the given length.
// Turns must be authorized one at a time.
func (m *Manager) FinishedAllCommands(turn uint32, turnLength uint32) error {
	if turn != m.readyTurn+1 {
		return fmt.Errorf("%w: got %d, ready %d", ErrTurnOutOfOrder, turn, m.readyTurn)
	}
	m.readyTurn = turn
	if turnLength > 0 {
		m.turnLength = turnLength
	}
	return nil
}

// Update accumulates frameLength and runs up to maxTurns authorized turns.
// It reports whether any turn was simulated; waiting on the network is not
// an error.
func (m *Manager) Update(frameLength time.Duration, maxTurns int) bool {
	if m.currentTurn > m.finalTurn {
		return false
	}
	m.deltaSimTime += frameLength
	if limit := 2 * m.turnDuration(); m.deltaSimTime > limit {
		m.deltaSimTime = limit
	}
	if m.deltaSimTime < 0 {
		return false
	}
	if m.awaitingAuthorization() {
		m.deltaSimTime = 0
		return false
	}

	progressed := false
	for turns := 0; turns < maxTurns && m.deltaSimTime >= 0; turns++ {
		if m.awaitingAuthorization() || m.currentTurn >= m.finalTurn {
			break
		}
		m.transport.FinishedOwnCommands(m, m.currentTurn+m.commandDelay)
		if m.readyTurn <= m.currentTurn {
			break
		}
		m.step(true)
		m.deltaSimTime -= m.turnDuration()
		progressed = true
	}
	return progressed
}

// UpdateFastForward simulates every authorized turn immediately without
// notifying the transport. Used while catching up after a rejoin.
func (m *Manager) UpdateFastForward() int {
	m.deltaSimTime = 0
	simulated := 0
	for m.readyTurn > m.currentTurn {
		m.step(false)
		simulated++
	}
	return simulated
}

// ResetState discards buffered commands and restarts counting from the
// provided turns.
func (m *Manager) ResetState(currentTurn, readyTurn uint32) {
	m.currentTurn = currentTurn
	m.readyTurn = readyTurn
	m.deltaSimTime = 0
	m.resetQueue()
}

// EnableTimeWarpRecording saves the simulation state every numTurns turns.
func (m *Manager) EnableTimeWarpRecording(numTurns uint32) {
	m.timeWarpTurns = numTurns
	if numTurns == 0 {
		m.timeWarpStates = nil
	}
}

// RewindTimeWarp restores the newest time-warp state.
func (m *Manager) RewindTimeWarp() error {
	if len(m.timeWarpStates) == 0 {
		return ErrNoSnapshot
	}
	last := len(m.timeWarpStates) - 1
	state := m.timeWarpStates[last]
	m.timeWarpStates = m.timeWarpStates[:last]
	return m.restore(state)
}

// QuickSave stores the current simulation state.
func (m *Manager) QuickSave() error {
	data, err := m.simulation.SerializeState()
	if err != nil {
		return fmt.Errorf("turn: quicksave: %w", err)
	}
	m.quickSave = data
	return nil
}

// QuickLoad restores the state saved by QuickSave.
func (m *Manager) QuickLoad() error {
	if m.quickSave == nil {
		return ErrNoSnapshot
	}
	return m.restore(m.quickSave)
}

func (m *Manager) restore(state []byte) error {
	if err := m.simulation.DeserializeState(state); err != nil {
		return fmt.Errorf("turn: restore: %w", err)
	}
	// Buffered commands belong to the discarded timeline.
	m.ResetState(0, 1)
	return nil
}

func (m *Manager) step(notify bool) {
	if admitter, ok := m.transport.(Admitter); ok {
		admitter.Admit(m)
	}
	m.currentTurn++
	m.simulation.FlushDestroyedEntities()

	if notify && m.timeWarpTurns > 0 && m.currentTurn%m.timeWarpTurns == 0 {
		m.recordTimeWarp()
	}

	batch := sim.Batch(m.queued[0])
	copy(m.queued, m.queued[1:])
	m.queued[len(m.queued)-1] = make(map[uint32][]sim.Command)

	m.replay.Turn(m.currentTurn, m.turnLength, batch)
	m.simulation.Update(m.turnLength, batch)

	if notify {
		m.transport.FinishedUpdate(m, m.currentTurn)
	}
}

func (m *Manager) recordTimeWarp() {
	data, err := m.simulation.SerializeState()
	if err != nil {
		m.logger.Printf("[turn] time warp snapshot failed at turn %d: %v", m.currentTurn, err)
		return
	}
	if len(m.timeWarpStates) >= maxTimeWarpStates {
		m.timeWarpStates = append(m.timeWarpStates[:0], m.timeWarpStates[1:]...)
	}
	m.timeWarpStates = append(m.timeWarpStates, data)
}

func (m *Manager) awaitingAuthorization() bool {
	return m.commandDelay > 1 && m.readyTurn <= m.currentTurn
}

func (m *Manager) turnDuration() time.Duration {
	return time.Duration(m.turnLength) * time.Millisecond
}

func (m *Manager) resetQueue() {
	m.queued = make([]map[uint32][]sim.Command, m.commandDelay+1)
	for i := range m.queued {
		m.queued[i] = make(map[uint32][]sim.Command)
	}
}
