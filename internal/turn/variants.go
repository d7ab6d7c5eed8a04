package turn

import (
	"lockstep/server/internal/replay"
	"lockstep/server/internal/sim"
)

// Local drives a single-player match. Commands run on the next turn and each
// turn is authorized as soon as the player finishes issuing commands.
type Local struct {
	// RecordHashes computes a state hash after every turn and hands it to the
	// replay logger.
	RecordHashes bool
}

// NewLocal returns a manager backed by the Local transport.
func NewLocal(simulation sim.Simulation, cfg Config) (*Manager, *Local) {
	local := &Local{}
	cfg.CommandDelay = LocalCommandDelay
	return NewManager(simulation, local, cfg), local
}

// PostCommand implements Transport.
func (l *Local) PostCommand(m *Manager, playerID int32, payload []byte) {
	m.AddCommand(m.ClientID(), playerID, payload, m.CurrentTurn()+1)
}

// FinishedOwnCommands implements Transport.
func (l *Local) FinishedOwnCommands(m *Manager, turn uint32) {
	if turn != m.ReadyTurn()+1 {
		return
	}
	// Cannot fail: the turn was checked above.
	_ = m.FinishedAllCommands(turn, m.TurnLength())
}

// FinishedUpdate implements Transport.
func (l *Local) FinishedUpdate(m *Manager, turn uint32) {
	if l == nil || !l.RecordHashes {
		return
	}
	quick := !sim.TurnNeedsFullHash(turn)
	m.Replay().Hash(m.Simulation().ComputeStateHash(quick), quick)
}

// Mismatch describes a replayed turn whose recomputed hash differs from the
// recorded one.
type Mismatch struct {
	Turn     uint32
	Recorded sim.StateHash
	Computed sim.StateHash
}

// Replay feeds a recorded log into the manager and verifies the recorded
// hashes.
type Replay struct {
	records    map[uint32]replay.TurnRecord
	mismatches []Mismatch
}

// NewReplay returns a manager that plays back log.
func NewReplay(simulation sim.Simulation, log replay.Log, cfg Config) (*Manager, *Replay) {
	r := &Replay{records: log.Index()}
	cfg.CommandDelay = LocalCommandDelay
	m := NewManager(simulation, r, cfg)
	m.SetFinalTurn(log.FinalTurn())
	return m, r
}

// PostCommand implements Transport. Playback ignores live input.
func (r *Replay) PostCommand(*Manager, int32, []byte) {}

// FinishedOwnCommands implements Transport.
func (r *Replay) FinishedOwnCommands(m *Manager, turn uint32) {
	rec, ok := r.records[turn]
	if !ok || turn != m.ReadyTurn()+1 {
		return
	}
	for _, cmd := range rec.Commands {
		m.AddCommand(cmd.ClientID, cmd.PlayerID, cmd.Payload, turn)
	}
	_ = m.FinishedAllCommands(turn, rec.TurnLength)
}

// FinishedUpdate implements Transport.
func (r *Replay) FinishedUpdate(m *Manager, turn uint32) {
	rec, ok := r.records[turn]
	if !ok || !rec.Hashed {
		return
	}
	computed := m.Simulation().ComputeStateHash(rec.Quick)
	if computed == rec.Hash {
		return
	}
	r.mismatches = append(r.mismatches, Mismatch{Turn: turn, Recorded: rec.Hash, Computed: computed})
	m.logger.Printf("[replay] hash mismatch turn=%d recorded=%s computed=%s", turn, rec.Hash, computed)
}

// Mismatches lists every turn whose hash diverged from the recording.
func (r *Replay) Mismatches() []Mismatch {
	return append([]Mismatch(nil), r.mismatches...)
}

// FirstMismatch reports the earliest divergent turn.
func (r *Replay) FirstMismatch() (Mismatch, bool) {
	if len(r.mismatches) == 0 {
		return Mismatch{}, false
	}
	return r.mismatches[0], true
}

// Finished reports whether every recorded turn has been simulated.
func (r *Replay) Finished(m *Manager) bool {
	return m.CurrentTurn() >= m.finalTurn
}

var (
	_ Transport = (*Local)(nil)
	_ Transport = (*Replay)(nil)
)
