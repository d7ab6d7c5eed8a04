// Package replay records the executed command stream of a match so it can be
// played back and verified, and writes out-of-sync debug dumps.
package replay

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"lockstep/server/internal/sim"
)

// TurnRecord captures one executed turn and the hash computed after it.
type TurnRecord struct {
	Turn       uint32        `msgpack:"turn"`
	TurnLength uint32        `msgpack:"length"`
	Commands   []sim.Command `msgpack:"commands"`
	Hash       sim.StateHash `msgpack:"hash,omitempty"`
	Quick      bool          `msgpack:"quick,omitempty"`
	Hashed     bool          `msgpack:"hashed,omitempty"`
}

// Log is an ordered list of executed turns.
type Log struct {
	Turns []TurnRecord `msgpack:"turns"`
}

// FinalTurn reports the last recorded turn, or zero for an empty log.
func (l Log) FinalTurn() uint32 {
	if len(l.Turns) == 0 {
		return 0
	}
	return l.Turns[len(l.Turns)-1].Turn
}

// Index maps turn numbers to their records.
func (l Log) Index() map[uint32]TurnRecord {
	index := make(map[uint32]TurnRecord, len(l.Turns))
	for _, rec := range l.Turns {
		index[rec.Turn] = rec
	}
	return index
}

// Marshal encodes the log with msgpack.
func (l Log) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(&l); err != nil {
		return nil, fmt.Errorf("replay: encode log: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalLog decodes a log produced by Log.Marshal.
func UnmarshalLog(data []byte) (Log, error) {
	var l Log
	if err := msgpack.Unmarshal(data, &l); err != nil {
		return Log{}, fmt.Errorf("replay: decode log: %w", err)
	}
	return l, nil
}

// Recorder is an in-memory sim.ReplayLogger.
type Recorder struct {
	dir string
	log Log
}

// NewRecorder returns a recorder whose debug artifacts go to dir. An empty
// dir disables dumps.
func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir}
}

// Turn implements sim.ReplayLogger.
func (r *Recorder) Turn(turn uint32, turnLength uint32, commands []sim.Command) {
	if r == nil {
		return
	}
	cloned := make([]sim.Command, len(commands))
	for i, cmd := range commands {
		cloned[i] = cmd.Clone()
	}
	r.log.Turns = append(r.log.Turns, TurnRecord{
		Turn:       turn,
		TurnLength: turnLength,
		Commands:   cloned,
	})
}

// Hash implements sim.ReplayLogger. The hash belongs to the last recorded turn.
func (r *Recorder) Hash(hash sim.StateHash, quick bool) {
	if r == nil || len(r.log.Turns) == 0 {
		return
	}
	last := &r.log.Turns[len(r.log.Turns)-1]
	last.Hash = hash
	last.Quick = quick
	last.Hashed = true
}

// Directory implements sim.ReplayLogger.
func (r *Recorder) Directory() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// Log returns a copy of everything recorded so far.
func (r *Recorder) Log() Log {
	if r == nil {
		return Log{}
	}
	turns := make([]TurnRecord, len(r.log.Turns))
	copy(turns, r.log.Turns)
	return Log{Turns: turns}
}

var _ sim.ReplayLogger = (*Recorder)(nil)
