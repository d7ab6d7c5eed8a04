package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"
)

// ErrEmptyState indicates DeserializeState received no data.
var ErrEmptyState = errors.New("sim: empty state")

// Ledger is a small deterministic Simulation. It folds every executed
// command into a running digest and keeps per-player counters, which is
// enough to exercise the lockstep protocol end to end and to detect any
// divergence in command ordering.
type Ledger struct {
	state   ledgerState
	retired []int32
}

type ledgerState struct {
	Turn     uint32           `msgpack:"turn"`
	Elapsed  uint64           `msgpack:"elapsed"`
	Digest   []byte           `msgpack:"digest"`
	Counters map[int32]uint64 `msgpack:"counters"`
	Flushed  uint64           `msgpack:"flushed"`
}

// NewLedger constructs a ledger seeded with the provided bytes. Participants
// of one match must share the seed.
func NewLedger(seed []byte) *Ledger {
	digest := blake3.Sum256(seed)
	return &Ledger{state: ledgerState{
		Digest:   digest[:],
		Counters: make(map[int32]uint64),
	}}
}

// Turn reports how many turns the ledger has simulated.
func (l *Ledger) Turn() uint32 {
	if l == nil {
		return 0
	}
	return l.state.Turn
}

// CommandsFor reports how many commands the player has issued so far.
func (l *Ledger) CommandsFor(player int32) uint64 {
	if l == nil {
		return 0
	}
	return l.state.Counters[player]
}

// Retire schedules the player's counters for removal on the next flush.
func (l *Ledger) Retire(player int32) {
	if l == nil {
		return
	}
	l.retired = append(l.retired, player)
}

// Update implements Simulation.
func (l *Ledger) Update(turnLength uint32, commands []Command) {
	if l == nil {
		return
	}
	l.state.Turn++
	l.state.Elapsed += uint64(turnLength)

	h := blake3.New(32, nil)
	h.Write(l.state.Digest)
	var scratch [12]byte
	binary.LittleEndian.PutUint32(scratch[0:4], l.state.Turn)
	binary.LittleEndian.PutUint32(scratch[4:8], turnLength)
	binary.LittleEndian.PutUint32(scratch[8:12], uint32(len(commands)))
	h.Write(scratch[:])
	for _, cmd := range commands {
		binary.LittleEndian.PutUint32(scratch[0:4], cmd.ClientID)
		binary.LittleEndian.PutUint32(scratch[4:8], uint32(cmd.PlayerID))
		binary.LittleEndian.PutUint32(scratch[8:12], uint32(len(cmd.Payload)))
		h.Write(scratch[:])
		h.Write(cmd.Payload)
		l.state.Counters[cmd.PlayerID]++
	}
	l.state.Digest = h.Sum(nil)
}

// ComputeStateHash implements Simulation. The quick hash only covers the
// running digest; the full hash covers the serialized state.
func (l *Ledger) ComputeStateHash(quick bool) StateHash {
	if l == nil {
		return ""
	}
	if quick {
		sum := blake3.Sum256(l.state.Digest)
		return StateHash(sum[:16])
	}
	data, err := l.SerializeState()
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return StateHash(sum[:])
}

// SerializeState implements Simulation. Map keys are sorted so equal states
// always serialize to equal bytes.
func (l *Ledger) SerializeState() ([]byte, error) {
	if l == nil {
		return nil, ErrEmptyState
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&l.state); err != nil {
		return nil, fmt.Errorf("sim: encode ledger: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeState implements Simulation.
func (l *Ledger) DeserializeState(data []byte) error {
	if l == nil {
		return ErrEmptyState
	}
	if len(data) == 0 {
		return ErrEmptyState
	}
	var state ledgerState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("sim: decode ledger: %w", err)
	}
	if state.Counters == nil {
		state.Counters = make(map[int32]uint64)
	}
	l.state = state
	l.retired = nil
	return nil
}

// FlushDestroyedEntities implements Simulation.
func (l *Ledger) FlushDestroyedEntities() {
	if l == nil {
		return
	}
	l.state.Flushed++
	for _, player := range l.retired {
		delete(l.state.Counters, player)
	}
	l.retired = l.retired[:0]
}

var _ Simulation = (*Ledger)(nil)
