package netserver

import (
	"errors"
	"fmt"
	"sort"

	"lockstep/server/internal/journal"
	"lockstep/server/internal/sim"
)

var (
	// ErrUnknownClient is returned for notifications from a session that was
	// never admitted into turn accounting.
	ErrUnknownClient = errors.New("netserver: client not admitted")
	// ErrNonMonotonicTurn is returned when a client skips or repeats a turn.
	ErrNonMonotonicTurn = errors.New("netserver: client turn is not monotonic")
)

// ClientTurnState is the per-client accounting the aggregator keeps.
type ClientTurnState struct {
	Name          string
	ReadyTurn     uint32
	SimulatedTurn uint32
	Observer      bool
	OOS           bool
}

// AggregatorHooks receives the aggregator's outbound decisions. The worker
// turns them into broadcasts.
type AggregatorHooks struct {
	EndBatch  func(turn, turnLength uint32)
	SyncError func(turn uint32, expected sim.StateHash, players []string)
}

type turnHashes struct {
	byClient map[uint32]sim.StateHash
	// reporting order; the first hash recorded by a client not already
	// out of sync is the reference for the turn
	order []uint32
}

// TurnAggregator decides the global ready turn and detects divergence
// between clients. It is owned by the worker goroutine.
type TurnAggregator struct {
	delay          uint32
	readyTurn      uint32
	turnLength     uint32
	observerMaxLag int
	clients        map[uint32]*ClientTurnState
	hashes         map[uint32]*turnHashes
	syncError      bool
	archive        *journal.Archive
	hooks          AggregatorHooks
}

// NewTurnAggregator starts accounting at the turn before the first turn any
// client can schedule commands for.
func NewTurnAggregator(delay, turnLength uint32, observerMaxLag int, archive *journal.Archive, hooks AggregatorHooks) *TurnAggregator {
	if delay == 0 {
		delay = 1
	}
	if archive == nil {
		archive = journal.NewArchive(turnLength)
	}
	return &TurnAggregator{
		delay:          delay,
		readyTurn:      delay - 1,
		turnLength:     turnLength,
		observerMaxLag: observerMaxLag,
		clients:        make(map[uint32]*ClientTurnState),
		hashes:         make(map[uint32]*turnHashes),
		archive:        archive,
		hooks:          hooks,
	}
}

func (a *TurnAggregator) ReadyTurn() uint32  { return a.readyTurn }
func (a *TurnAggregator) TurnLength() uint32 { return a.turnLength }
func (a *TurnAggregator) HasSyncError() bool { return a.syncError }

// SetTurnLength changes the length sent with the next authorized turn.
func (a *TurnAggregator) SetTurnLength(length uint32) {
	if length > 0 {
		a.turnLength = length
	}
}

// Client returns a copy of the accounting for hostID.
func (a *TurnAggregator) Client(hostID uint32) (ClientTurnState, bool) {
	c, ok := a.clients[hostID]
	if !ok {
		return ClientTurnState{}, false
	}
	return *c, true
}

// PendingHashTurns reports how many turns still hold unchecked hashes.
func (a *TurnAggregator) PendingHashTurns() int {
	return len(a.hashes)
}

// InitialiseClient admits a client whose simulation stands at turn. Its
// next expected readiness report is turn + delay.
func (a *TurnAggregator) InitialiseClient(hostID uint32, name string, turn uint32, observer bool) {
	a.clients[hostID] = &ClientTurnState{
		Name:          name,
		ReadyTurn:     turn + a.delay - 1,
		SimulatedTurn: turn,
		Observer:      observer,
	}
}

// UninitialiseClient removes a client. Its departure may unblock the ready
// turn and may clear the sync error flag.
func (a *TurnAggregator) UninitialiseClient(hostID uint32) {
	if _, ok := a.clients[hostID]; !ok {
		return
	}
	delete(a.clients, hostID)
	for _, entry := range a.hashes {
		entry.remove(hostID)
	}
	if a.syncError {
		stillOOS := false
		for _, c := range a.clients {
			if c.OOS {
				stillOOS = true
				break
			}
		}
		a.syncError = stillOOS
	}
	a.checkHashes()
	a.CheckClientsReady()
}

// NotifyFinishedClientCommands records that a client sent every command
// for turn.
func (a *TurnAggregator) NotifyFinishedClientCommands(hostID, turn uint32) error {
	c, ok := a.clients[hostID]
	if !ok {
		return ErrUnknownClient
	}
	if turn != c.ReadyTurn+1 {
		return fmt.Errorf("%w: commands for turn %d after %d", ErrNonMonotonicTurn, turn, c.ReadyTurn)
	}
	c.ReadyTurn = turn
	a.CheckClientsReady()
	return nil
}

// CheckClientsReady authorizes turns while every client that counts has
// reported past the global ready turn. Observers within the lag bound do
// not count.
func (a *TurnAggregator) CheckClientsReady() {
	if len(a.clients) == 0 {
		return
	}
	for {
		counted := 0
		for _, c := range a.clients {
			if c.Observer && (a.observerMaxLag < 0 || int64(c.ReadyTurn)+int64(a.observerMaxLag) > int64(a.readyTurn)) {
				continue
			}
			if c.ReadyTurn <= a.readyTurn {
				return
			}
			counted++
		}
		a.readyTurn++
		a.archive.RecordTurnLength(a.readyTurn, a.turnLength)
		if a.hooks.EndBatch != nil {
			a.hooks.EndBatch(a.readyTurn, a.turnLength)
		}
		if counted == 0 {
			return
		}
	}
}

// NotifyFinishedClientUpdate records the hash a client computed after
// simulating turn and cross-checks every turn all clients have simulated.
func (a *TurnAggregator) NotifyFinishedClientUpdate(hostID, turn uint32, hash sim.StateHash) error {
	c, ok := a.clients[hostID]
	if !ok {
		return ErrUnknownClient
	}
	if turn != c.SimulatedTurn+1 {
		return fmt.Errorf("%w: update for turn %d after %d", ErrNonMonotonicTurn, turn, c.SimulatedTurn)
	}
	c.SimulatedTurn = turn

	entry, ok := a.hashes[turn]
	if !ok {
		entry = &turnHashes{byClient: make(map[uint32]sim.StateHash)}
		a.hashes[turn] = entry
	}
	entry.byClient[hostID] = hash
	entry.order = append(entry.order, hostID)

	a.checkHashes()
	return nil
}

// newestSimulatedTurn is the last turn every admitted client has simulated.
func (a *TurnAggregator) newestSimulatedTurn() (uint32, bool) {
	if len(a.clients) == 0 {
		return 0, false
	}
	newest := ^uint32(0)
	for _, c := range a.clients {
		newest = min(newest, c.SimulatedTurn)
	}
	return newest, true
}

func (a *TurnAggregator) checkHashes() {
	newest, ok := a.newestSimulatedTurn()
	if !ok {
		return
	}
	turns := make([]uint32, 0, len(a.hashes))
	for t := range a.hashes {
		if t <= newest {
			turns = append(turns, t)
		}
	}
	sort.Slice(turns, func(i, j int) bool { return turns[i] < turns[j] })

	for _, t := range turns {
		entry := a.hashes[t]
		expected, ok := a.reference(entry)
		if !ok {
			delete(a.hashes, t)
			continue
		}
		var players []string
		for _, hostID := range entry.order {
			hash, ok := entry.byClient[hostID]
			if !ok || hash == expected {
				continue
			}
			c, ok := a.clients[hostID]
			if !ok || c.OOS {
				continue
			}
			c.OOS = true
			a.syncError = true
			players = append(players, c.Name)
		}
		if len(players) > 0 && a.hooks.SyncError != nil {
			a.hooks.SyncError(t, expected, players)
		}
		delete(a.hashes, t)
	}
}

func (a *TurnAggregator) reference(entry *turnHashes) (sim.StateHash, bool) {
	for _, hostID := range entry.order {
		if c, ok := a.clients[hostID]; ok && !c.OOS {
			return entry.byClient[hostID], true
		}
	}
	return "", false
}

func (e *turnHashes) remove(hostID uint32) {
	if _, ok := e.byClient[hostID]; !ok {
		return
	}
	delete(e.byClient, hostID)
	for i, id := range e.order {
		if id == hostID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}
