package netserver

import (
	"context"

	"lockstep/server/internal/journal"
	"lockstep/server/internal/sim"
	"lockstep/server/logging"
	loglockstep "lockstep/server/logging/lockstep"
)

// SessionDiagnostics describes one session for the diagnostics endpoint.
type SessionDiagnostics struct {
	HostID             uint32 `json:"hostId"`
	GUID               string `json:"guid"`
	Name               string `json:"name"`
	State              string `json:"state"`
	PlayerID           int32  `json:"playerId"`
	Controller         bool   `json:"controller"`
	LastReceivedMillis int64  `json:"lastReceivedMillis"`
	RTTMillis          int64  `json:"rttMillis"`
	ReadyTurn          uint32 `json:"readyTurn,omitempty"`
	SimulatedTurn      uint32 `json:"simulatedTurn,omitempty"`
	OOS                bool   `json:"oos,omitempty"`
}

// Diagnostics is a point-in-time copy of the worker state.
type Diagnostics struct {
	State        string               `json:"state"`
	ReadyTurn    uint32               `json:"readyTurn"`
	TurnLength   uint32               `json:"turnLength"`
	SyncError    bool                 `json:"syncError"`
	SnapshotTurn uint32               `json:"snapshotTurn,omitempty"`
	Archive      journal.Stats        `json:"archive"`
	Sessions     []SessionDiagnostics `json:"sessions"`
}

// Diagnostics returns the snapshot published after the last worker
// iteration. It is safe to call from any goroutine.
func (w *Worker) Diagnostics() Diagnostics {
	if d := w.diagnostics.Load(); d != nil {
		return *d
	}
	return Diagnostics{}
}

func (w *Worker) publishDiagnostics() {
	now := w.clock.Now()
	d := &Diagnostics{
		State:      w.state.String(),
		TurnLength: w.turnLength,
		Archive:    w.archive.Stats(),
		Sessions:   make([]SessionDiagnostics, 0, len(w.sessions)),
	}
	if w.turns != nil {
		d.ReadyTurn = w.turns.ReadyTurn()
		d.TurnLength = w.turns.TurnLength()
		d.SyncError = w.turns.HasSyncError()
	}
	if w.snapshot != nil {
		d.SnapshotTurn = w.snapshot.turn
	}
	for _, s := range w.sessions {
		entry := SessionDiagnostics{
			HostID:             s.hostID,
			GUID:               s.guid,
			Name:               s.name,
			State:              s.state.String(),
			PlayerID:           w.assignments.PlayerID(s.guid),
			Controller:         s.isController,
			LastReceivedMillis: now.Sub(s.lastReceived).Milliseconds(),
			RTTMillis:          s.conn.RTT().Milliseconds(),
		}
		if w.turns != nil {
			if c, ok := w.turns.Client(s.hostID); ok {
				entry.ReadyTurn = c.ReadyTurn
				entry.SimulatedTurn = c.SimulatedTurn
				entry.OOS = c.OOS
			}
		}
		d.Sessions = append(d.Sessions, entry)
	}
	w.diagnostics.Store(d)
}

func logTurnAuthorized(ctx context.Context, pub logging.Publisher, turn, turnLength uint32, commands int) {
	loglockstep.TurnAuthorized(ctx, pub, turn, loglockstep.TurnAuthorizedPayload{
		TurnLength: turnLength,
		Commands:   commands,
	})
}

func logSyncError(ctx context.Context, pub logging.Publisher, turn uint32, players []string, expected sim.StateHash, guids []string) {
	targets := make([]logging.EntityRef, 0, len(guids))
	for _, guid := range guids {
		targets = append(targets, logging.SessionRef(guid))
	}
	loglockstep.SyncError(ctx, pub, turn, targets, loglockstep.SyncErrorPayload{
		Expected: expected.String(),
		Players:  players,
	})
}
