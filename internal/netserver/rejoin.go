package netserver

import (
	"lockstep/server/internal/net/intake"
	"lockstep/server/internal/net/proto"
	"lockstep/server/logging"
	loglockstep "lockstep/server/logging/lockstep"
)

type storedSnapshot struct {
	turn uint32
	data []byte
}

// snapshotRequest is the outstanding request for a serialized simulation.
type snapshotRequest struct {
	source *Session
	id     uint32
}

// beginJoinSync parks a late joiner until a snapshot is available.
func (w *Worker) beginJoinSync(s *Session) {
	s.state = StateJoinSyncing
	s.joinSync = &joinSync{}
	loglockstep.RejoinStarted(w.ctx, w.publisher, w.readyTurn(), logging.SessionRef(s.guid), loglockstep.RejoinPayload{})
	w.logger.Printf("[netserver] session %d (%s) joining a running match", s.hostID, s.name)
	w.requestSnapshot()
}

func (w *Worker) waitingForSnapshot() bool {
	for _, s := range w.sessions {
		if s.state == StateJoinSyncing && s.joinSync != nil && s.joinSync.snapshot == nil {
			return true
		}
	}
	return false
}

// snapshotSource picks the first in-game session. The host usually
// connects first and has the lowest latency to the server.
func (w *Worker) snapshotSource() *Session {
	for _, s := range w.sessions {
		if s.state == StateIngame {
			return s
		}
	}
	return nil
}

// requestSnapshot asks an in-game session for its state unless a request
// is already outstanding or nobody is waiting.
func (w *Worker) requestSnapshot() {
	if w.snapshotReq != nil || !w.waitingForSnapshot() {
		return
	}
	source := w.snapshotSource()
	if source == nil {
		w.logger.Printf("[netserver] no in-game session can provide a snapshot")
		return
	}
	id, err := source.files.StartTask(func(data []byte, err error) {
		w.onSnapshot(source, data, err)
	})
	if err != nil {
		// The source is dropped once its reader sees the closed connection,
		// and the request moves on from there.
		w.sendFailed(source, proto.FileTransferRequest{}, err)
		return
	}
	w.snapshotReq = &snapshotRequest{source: source, id: id}
}

func (w *Worker) onSnapshot(source *Session, data []byte, err error) {
	if w.snapshotReq == nil || w.snapshotReq.source != source {
		return
	}
	if err == nil {
		var snap proto.Snapshot
		if snap, err = proto.DecodeSnapshot(data); err == nil {
			w.snapshotReq = nil
			w.snapshot = &storedSnapshot{turn: snap.Turn, data: data}
			w.offerSnapshot(w.snapshot)
			return
		}
	}
	w.logger.Printf("[netserver] invalid snapshot from session %d: %v", source.hostID, err)
	w.violation(source, "snapshot", proto.ReasonProtocolError)
	// Disconnecting the source re-issues the request to the next session.
	w.disconnect(source, proto.ReasonProtocolError, true)
}

// offerSnapshot tells every waiting joiner to fetch snap.
func (w *Worker) offerSnapshot(snap *storedSnapshot) {
	for _, s := range append([]*Session(nil), w.sessions...) {
		if s.state != StateJoinSyncing || s.joinSync == nil || s.joinSync.snapshot != nil {
			continue
		}
		s.joinSync.snapshot = snap
		w.reply(s, proto.JoinSyncStart{Attributes: w.attributes})
	}
}

func (w *Worker) onJoinerRequest(s *Session, m proto.FileTransferRequest) {
	if s.joinSync == nil || s.joinSync.snapshot == nil {
		w.reject(s, m)
		return
	}
	if err := s.files.StartResponse(m.RequestID, s.joinSync.snapshot.data); err != nil {
		w.sendFailed(s, proto.FileTransferResponse{RequestID: m.RequestID}, err)
	}
}

// onJoinerLoaded replays the history after the snapshot turn and admits
// the joiner at the current ready turn.
func (w *Worker) onJoinerLoaded(s *Session, m proto.LoadedGame) {
	if s.joinSync == nil || s.joinSync.snapshot == nil || m.CurrentTurn != s.joinSync.snapshot.turn {
		w.reject(s, m)
		return
	}
	snapTurn := s.joinSync.snapshot.turn
	ready := w.turns.ReadyTurn()
	last := max(ready, w.archive.LastCommandTurn())

	replayed := 0
	for t := snapTurn + 1; t <= last; t++ {
		for _, cmd := range w.archive.Commands(t) {
			w.reply(s, intake.WireCommand(cmd))
			replayed++
		}
		if t <= ready {
			w.reply(s, proto.EndCommandBatch{Turn: t, TurnLength: w.archive.TurnLength(t)})
		}
	}

	w.turns.InitialiseClient(s.hostID, s.name, ready, observer(w.assignments.PlayerID(s.guid)))
	s.state = StateIngame
	s.joinSync = nil
	s.rejoining = false
	w.reply(s, proto.LoadedGame{CurrentTurn: ready})
	w.broadcast(proto.Rejoined{GUID: s.guid}, s, StateIngame)

	w.metrics.Add(metricRejoins, 1)
	loglockstep.RejoinCompleted(w.ctx, w.publisher, ready, logging.SessionRef(s.guid), loglockstep.RejoinPayload{
		SnapshotTurn: snapTurn,
		AdmitTurn:    ready,
		Replayed:     replayed,
	})
	w.logger.Printf("[netserver] session %d rejoined at turn %d from snapshot %d (%d commands replayed)", s.hostID, ready, snapTurn, replayed)
}

// onTransferFailed drops a session whose file transfer broke. When it was
// the snapshot source the request moves to the next session.
func (w *Worker) onTransferFailed(s *Session) {
	w.violation(s, "file transfer", proto.ReasonProtocolError)
	w.disconnect(s, proto.ReasonProtocolError, true)
}
