// Package journal archives the agreed history of a match so late joiners can
// be replayed to the present.
package journal

import (
	"sort"
	"sync"

	"lockstep/server/internal/sim"
)

// Archive retains every accepted command and every authorized turn length
// for the lifetime of a match. Entries are append-only until Reset.
type Archive struct {
	mu            sync.RWMutex
	commands      map[uint32][]sim.Command
	lengths       map[uint32]uint32
	defaultLength uint32
	lastTurn      uint32
	total         int
}

// Stats summarises archive contents for diagnostics.
type Stats struct {
	Commands   int    `json:"commands"`
	Turns      int    `json:"turns"`
	LastTurn   uint32 `json:"lastTurn"`
	Authorized int    `json:"authorized"`
}

// NewArchive returns an empty archive. defaultLength is reported for turns
// that were authorized without an explicit length.
func NewArchive(defaultLength uint32) *Archive {
	return &Archive{
		commands:      make(map[uint32][]sim.Command),
		lengths:       make(map[uint32]uint32),
		defaultLength: defaultLength,
	}
}

// AppendCommand stores a copy of cmd under its turn.
func (a *Archive) AppendCommand(cmd sim.Command) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands[cmd.Turn] = append(a.commands[cmd.Turn], cmd.Clone())
	a.total++
	if cmd.Turn > a.lastTurn {
		a.lastTurn = cmd.Turn
	}
}

// RecordTurnLength archives the length broadcast with a turn authorization.
func (a *Archive) RecordTurnLength(turn, length uint32) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lengths[turn] = length
}

// Commands returns copies of the commands archived for turn in arrival order.
func (a *Archive) Commands(turn uint32) []sim.Command {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	stored := a.commands[turn]
	if len(stored) == 0 {
		return nil
	}
	out := make([]sim.Command, len(stored))
	for i, cmd := range stored {
		out[i] = cmd.Clone()
	}
	return out
}

// TurnLength returns the archived length for turn, falling back to the
// default length.
func (a *Archive) TurnLength(turn uint32) uint32 {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if length, ok := a.lengths[turn]; ok {
		return length
	}
	return a.defaultLength
}

// LastCommandTurn reports the newest turn holding a command.
func (a *Archive) LastCommandTurn() uint32 {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastTurn
}

// Stats reports archive totals.
func (a *Archive) Stats() Stats {
	if a == nil {
		return Stats{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Commands:   a.total,
		Turns:      len(a.commands),
		LastTurn:   a.lastTurn,
		Authorized: len(a.lengths),
	}
}

// Turns lists every turn holding commands in ascending order.
func (a *Archive) Turns() []uint32 {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	turns := make([]uint32, 0, len(a.commands))
	for turn := range a.commands {
		turns = append(turns, turn)
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i] < turns[j] })
	return turns
}

// Reset drops everything archived for the previous match.
func (a *Archive) Reset(defaultLength uint32) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands = make(map[uint32][]sim.Command)
	a.lengths = make(map[uint32]uint32)
	a.defaultLength = defaultLength
	a.lastTurn = 0
	a.total = 0
}
