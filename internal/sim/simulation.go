package sim

// Simulation is the deterministic game engine driven by the turn manager.
// Implementations must produce identical hashes for identical command
// sequences on every participant.
type Simulation interface {
	// Update advances the world by turnLength milliseconds applying the batch.
	Update(turnLength uint32, commands []Command)
	// ComputeStateHash digests the world. Quick hashes may skip expensive state.
	ComputeStateHash(quick bool) StateHash
	SerializeState() ([]byte, error)
	DeserializeState(data []byte) error
	FlushDestroyedEntities()
}

// ReplayLogger receives the executed command stream and the resulting hashes.
type ReplayLogger interface {
	Turn(turn uint32, turnLength uint32, commands []Command)
	Hash(hash StateHash, quick bool)
	Directory() string
}

// NopReplayLogger discards everything and has no directory.
type NopReplayLogger struct{}

func (NopReplayLogger) Turn(uint32, uint32, []Command) {}

func (NopReplayLogger) Hash(StateHash, bool) {}

func (NopReplayLogger) Directory() string { return "" }

// TurnNeedsFullHash reports whether the hash for turn should include the
// complete state. Other turns use the quick hash.
func TurnNeedsFullHash(turn uint32) bool {
	return turn == 1 || turn%fullHashInterval == 0
}

const fullHashInterval = 20
