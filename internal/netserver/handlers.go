package netserver

import (
	"lockstep/server/internal/net/intake"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/sim"
	"lockstep/server/logging"
	loglockstep "lockstep/server/logging/lockstep"
)

// dispatch routes msg according to the session state. Messages a state
// does not accept are protocol violations.
func (w *Worker) dispatch(s *Session, msg proto.Message) {
	if handled, err := s.files.Handle(msg); handled {
		if err != nil {
			w.logger.Printf("[netserver] file transfer with session %d failed: %v", s.hostID, err)
			w.onTransferFailed(s)
		}
		return
	}

	switch s.state {
	case StateHandshake:
		m, ok := msg.(proto.Handshake)
		if !ok {
			w.reject(s, msg)
			return
		}
		w.onHandshake(s, m)

	case StateLobbyAuthenticate:
		switch m := msg.(type) {
		case proto.Authenticate:
			// Held until the lobby approves the session.
			s.pendingAuth = &m
		default:
			w.reject(s, msg)
		}

	case StateAuthenticate:
		m, ok := msg.(proto.Authenticate)
		if !ok {
			w.reject(s, msg)
			return
		}
		w.onAuthenticate(s, m)

	case StatePregame:
		w.onPregame(s, msg)

	case StateLoading:
		switch m := msg.(type) {
		case proto.LoadedGame:
			s.loaded = true
			w.broadcastLoading()
			w.checkGameLoaded()
		case proto.Chat:
			w.onChat(s, m)
		case proto.Kick:
			w.onKick(s, m)
		default:
			w.reject(s, msg)
		}

	case StateJoinSyncing:
		switch m := msg.(type) {
		case proto.FileTransferRequest:
			w.onJoinerRequest(s, m)
		case proto.LoadedGame:
			w.onJoinerLoaded(s, m)
		case proto.Chat:
			w.onChat(s, m)
		default:
			w.reject(s, msg)
		}

	case StateIngame:
		w.onIngame(s, msg)

	default:
		w.reject(s, msg)
	}
}

func (w *Worker) reject(s *Session, msg proto.Message) {
	w.violation(s, msg.Type().String(), proto.ReasonProtocolError)
	w.disconnect(s, proto.ReasonProtocolError, true)
}

func (w *Worker) onHandshake(s *Session, m proto.Handshake) {
	if m.ProtocolVersion != proto.ProtocolVersion {
		w.violation(s, "handshake", proto.ReasonIncorrectProtocolVersion)
		w.disconnect(s, proto.ReasonIncorrectProtocolVersion, true)
		return
	}
	s.guid = newGUID()
	var flags uint32
	s.state = StateAuthenticate
	if w.lobby != nil {
		flags |= proto.FlagRequireLobbyAuth
		s.state = StateLobbyAuthenticate
	}
	w.reply(s, proto.HandshakeResponse{
		ProtocolVersion: proto.ProtocolVersion,
		Flags:           flags,
		GUID:            s.guid,
	})
}

func (w *Worker) onLobbyApproval(a LobbyApproval) {
	for _, s := range w.sessions {
		if s.guid != a.GUID || s.state != StateLobbyAuthenticate {
			continue
		}
		name, err := w.lobby.Verify(a.Token, s.guid)
		if err != nil {
			w.violation(s, "lobby approval", proto.ReasonLobbyAuthFailed)
			w.disconnect(s, proto.ReasonLobbyAuthFailed, true)
			return
		}
		s.lobbyName = name
		s.state = StateAuthenticate
		if pending := s.pendingAuth; pending != nil {
			s.pendingAuth = nil
			w.onAuthenticate(s, *pending)
		}
		return
	}
	w.logger.Printf("[netserver] lobby approval for unknown session %s", a.GUID)
}

func (w *Worker) onPregame(s *Session, msg proto.Message) {
	switch m := msg.(type) {
	case proto.Chat:
		w.onChat(s, m)
	case proto.ReadyMessage:
		if w.state != ServerPregame {
			return
		}
		if w.assignments.SetStatus(s.guid, m.Status) {
			w.broadcastRoster()
		}
	case proto.GameSetup:
		if !w.requireController(s, msg) {
			return
		}
		w.setAttributes(m.Attributes, s)
	case proto.AssignPlayer:
		if !w.requireController(s, msg) {
			return
		}
		if m.PlayerID >= int32(w.cfg.MaxPlayers) || m.PlayerID < sim.ObserverPlayerID {
			w.logger.Printf("[netserver] ignoring assignment of player %d", m.PlayerID)
			return
		}
		if w.assignments.Assign(m.GUID, m.PlayerID) {
			w.broadcastRoster()
		}
	case proto.ClearAllReady:
		if !w.requireController(s, msg) {
			return
		}
		w.assignments.ClearReady()
		w.broadcastRoster()
	case proto.GameStart:
		if !w.requireController(s, msg) {
			return
		}
		w.startGame(m.Attributes)
	case proto.Kick:
		w.onKick(s, m)
	default:
		w.reject(s, msg)
	}
}

func (w *Worker) requireController(s *Session, msg proto.Message) bool {
	if s.isController {
		return true
	}
	w.logger.Printf("[netserver] session %d is not the controller, ignoring %s", s.hostID, msg.Type())
	return false
}

func (w *Worker) onIngame(s *Session, msg proto.Message) {
	switch m := msg.(type) {
	case proto.SimulationCommand:
		w.onSimulationCommand(s, m)
	case proto.EndCommandBatch:
		if err := w.turns.NotifyFinishedClientCommands(s.hostID, m.Turn); err != nil {
			w.violation(s, err.Error(), proto.ReasonIncorrectReadyTurnCommands)
			w.disconnect(s, proto.ReasonIncorrectReadyTurnCommands, true)
		}
	case proto.SyncCheck:
		if err := w.turns.NotifyFinishedClientUpdate(s.hostID, m.Turn, sim.StateHash(m.Hash)); err != nil {
			w.violation(s, err.Error(), proto.ReasonIncorrectReadyTurnSimulated)
			w.disconnect(s, proto.ReasonIncorrectReadyTurnSimulated, true)
		}
	case proto.Chat:
		w.onChat(s, m)
	case proto.ClientPaused:
		w.broadcast(proto.ClientPaused{GUID: s.guid, Paused: m.Paused}, s, StateIngame)
	case proto.Kick:
		w.onKick(s, m)
	case proto.LoadedGame:
		// A late LoadedGame from the start of the match is harmless.
	default:
		w.reject(s, msg)
	}
}

func (w *Worker) onSimulationCommand(s *Session, m proto.SimulationCommand) {
	ctx := intake.CommandContext{
		HostID:     s.hostID,
		PlayerID:   w.assignments.PlayerID(s.guid),
		Ingame:     s.state == StateIngame,
		ReadyTurn:  w.turns.ReadyTurn(),
		MaxPayload: w.cfg.MaxCommandPayload,
	}
	cmd, ok, reason := intake.StageSimulationCommand(ctx, m)
	if !ok {
		loglockstep.CommandRejected(w.ctx, w.publisher, w.turns.ReadyTurn(), logging.SessionRef(s.guid), loglockstep.CommandRejectedPayload{
			Reason:   reason,
			PlayerID: m.PlayerID,
			Turn:     m.Turn,
		})
		return
	}
	w.archive.AppendCommand(cmd)
	w.metrics.Add(metricCommands, 1)
	w.broadcast(intake.WireCommand(cmd), s, StateIngame)
}

func (w *Worker) onChat(s *Session, m proto.Chat) {
	if !s.chat.Allow() {
		w.logger.Printf("[netserver] dropping chat from session %d: rate limited", s.hostID)
		return
	}
	w.broadcast(proto.Chat{GUID: s.guid, Text: m.Text}, nil, StatePregame, StateLoading, StateJoinSyncing, StateIngame)
}

func (w *Worker) onKick(s *Session, m proto.Kick) {
	if !w.requireController(s, m) {
		return
	}
	for _, target := range w.sessions {
		if target == s || !target.state.authenticated() || !lobbyNameMatch(target.name, m.Name) {
			continue
		}
		reason := proto.ReasonKicked
		if m.Ban {
			reason = proto.ReasonBanned
			w.bans[banKey(target.name)] = struct{}{}
		}
		w.broadcast(proto.Kicked{Name: target.name, Ban: m.Ban}, target, StatePregame, StateLoading, StateJoinSyncing, StateIngame)
		w.disconnect(target, reason, true)
		return
	}
	w.logger.Printf("[netserver] kick target %q not found", m.Name)
}
