package netserver

import (
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lockstep/server/internal/lobby"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/sim"
	"lockstep/server/logging"
	"lockstep/server/logging/lifecycle"
)

func newGUID() string {
	return strings.ToUpper(uuid.NewString())
}

func banKey(name string) string {
	return strings.ToLower(lobby.StripRating(name))
}

func lobbyNameMatch(a, b string) bool {
	return lobby.SameName(a, b)
}

// admission is the outcome of the authentication policy.
type admission struct {
	reason    proto.DisconnectReason
	ok        bool
	name      string
	guid      string
	rejoining bool
}

func refuse(reason proto.DisconnectReason) admission {
	return admission{reason: reason}
}

// admit applies the authentication policy to m without changing any state.
func (w *Worker) admit(s *Session, m proto.Authenticate) admission {
	if w.passwordHash != "" {
		match, err := argon2id.ComparePasswordAndHash(m.Password, w.passwordHash)
		if err != nil || !match {
			return refuse(proto.ReasonInvalidPassword)
		}
	}

	name := strings.TrimSpace(m.Name)
	if name == "" {
		return refuse(proto.ReasonProtocolError)
	}
	if w.lobby != nil && !lobby.SameName(s.lobbyName, name) {
		return refuse(proto.ReasonLobbyAuthFailed)
	}
	if _, banned := w.bans[banKey(name)]; banned {
		return refuse(proto.ReasonBanned)
	}

	result := admission{ok: true, name: name, guid: s.guid}
	switch w.state {
	case ServerLoading:
		return refuse(proto.ReasonServerLoading)

	case ServerPregame:
		if w.authenticatedCount() >= w.cfg.MaxClients {
			return refuse(proto.ReasonServerFull)
		}

	case ServerIngame:
		if m.RejoinGUID != "" && w.guidConnected(m.RejoinGUID) {
			return refuse(proto.ReasonGUIDInUse)
		}
		if guid, ok := w.assignments.FindDisabled(m.RejoinGUID, name); ok {
			result.guid = guid
			result.rejoining = true
			if w.authenticatedCount() >= w.cfg.MaxClients {
				return refuse(proto.ReasonServerFull)
			}
			break
		}
		if !w.lateObserverAllowed(name) {
			return refuse(proto.ReasonServerAlreadyInGame)
		}
		if w.observerCount() >= w.cfg.ObserverLimit ||
			w.authenticatedCount()+w.assignments.Reclaimable() >= w.cfg.MaxClients {
			return refuse(proto.ReasonServerFull)
		}
	}

	if w.nameInUse(result.name, s) {
		if !w.cfg.DedupeNames {
			return refuse(proto.ReasonPlayernameInUse)
		}
		result.name = w.dedupeName(result.name, s)
	}
	return result
}

func (w *Worker) onAuthenticate(s *Session, m proto.Authenticate) {
	result := w.admit(s, m)
	if !result.ok {
		w.logger.Printf("[netserver] session %d refused: %s", s.hostID, result.reason)
		w.disconnect(s, result.reason, true)
		return
	}

	s.name = result.name
	s.guid = result.guid
	s.rejoining = result.rejoining
	s.chat = rate.NewLimiter(rate.Every(w.cfg.ChatInterval), w.cfg.ChatBurst)
	if m.ControllerSecret != "" && m.ControllerSecret == w.controllerSecret && !w.hasController() {
		s.isController = true
	}

	code := proto.AuthOK
	if result.rejoining {
		code = proto.AuthOKRejoining
	}
	w.reply(s, proto.AuthenticateResult{
		Code:         code,
		HostID:       s.hostID,
		GUID:         s.guid,
		Name:         s.name,
		IsController: s.isController,
	})

	if w.state == ServerPregame {
		s.state = StatePregame
		w.assignments.Add(s.guid, s.name, w.assignments.FreePlayer(w.cfg.MaxPlayers))
		if w.attributes != nil {
			w.reply(s, proto.GameSetup{Attributes: w.attributes})
		}
		w.logJoined(s)
		w.broadcastRoster()
		return
	}

	if result.rejoining {
		w.assignments.Enable(s.guid, s.name)
	} else {
		w.assignments.Add(s.guid, s.name, sim.ObserverPlayerID)
	}
	w.logJoined(s)
	w.beginJoinSync(s)
	w.broadcastRoster()
}

func (w *Worker) logJoined(s *Session) {
	lifecycle.SessionJoined(w.ctx, w.publisher, w.readyTurn(), logging.SessionRef(s.guid), lifecycle.SessionJoinedPayload{
		Name:       s.name,
		PlayerID:   w.assignments.PlayerID(s.guid),
		Controller: s.isController,
		Rejoining:  s.rejoining,
	})
}

func (w *Worker) authenticatedCount() int {
	n := 0
	for _, s := range w.sessions {
		if s.state.authenticated() {
			n++
		}
	}
	return n
}

func (w *Worker) observerCount() int {
	n := 0
	for _, s := range w.sessions {
		if s.state.authenticated() && observer(w.assignments.PlayerID(s.guid)) {
			n++
		}
	}
	return n
}

func (w *Worker) hasController() bool {
	for _, s := range w.sessions {
		if s.isController {
			return true
		}
	}
	return false
}

func (w *Worker) guidConnected(guid string) bool {
	for _, s := range w.sessions {
		if s.state.authenticated() && s.guid == guid {
			return true
		}
	}
	return false
}

func (w *Worker) lateObserverAllowed(name string) bool {
	switch w.cfg.LateObservers {
	case LateObserversEveryone:
		return true
	case LateObserversBuddies:
		_, ok := w.buddies[banKey(name)]
		return ok
	default:
		return false
	}
}

func (w *Worker) nameInUse(name string, self *Session) bool {
	for _, s := range w.sessions {
		if s != self && s.state.authenticated() && strings.EqualFold(s.name, name) {
			return true
		}
	}
	return false
}

func (w *Worker) dedupeName(name string, self *Session) string {
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)", name, i)
		if !w.nameInUse(candidate, self) && !w.assignments.HasName(candidate, "") {
			return candidate
		}
	}
}
