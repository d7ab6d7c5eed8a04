package netserver

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/net/transport"
	"lockstep/server/internal/sim"
)

// SessionState is the connection lifecycle of one peer.
type SessionState int

const (
	StateUnconnected SessionState = iota
	StateHandshake
	StateLobbyAuthenticate
	StateAuthenticate
	StatePregame
	StateLoading
	StateJoinSyncing
	StateIngame
)

var sessionStateNames = [...]string{
	StateUnconnected:       "unconnected",
	StateHandshake:         "handshake",
	StateLobbyAuthenticate: "lobby_authenticate",
	StateAuthenticate:      "authenticate",
	StatePregame:           "pregame",
	StateLoading:           "loading",
	StateJoinSyncing:       "join_syncing",
	StateIngame:            "ingame",
}

func (s SessionState) String() string {
	if s >= 0 && int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return "unknown"
}

// authenticated reports whether the session passed Authenticate.
func (s SessionState) authenticated() bool {
	return s >= StatePregame
}

// Session is the worker's view of one connected peer. Every field except
// conn and hostID is owned by the worker goroutine.
type Session struct {
	hostID uint32
	conn   transport.Conn

	state        SessionState
	guid         string
	name         string
	lobbyName    string
	isController bool
	rejoining    bool
	loaded       bool
	removed      bool

	// pendingAuth holds an Authenticate that arrived before lobby approval.
	pendingAuth *proto.Authenticate

	// joinSync tracks a late joiner's catch-up.
	joinSync *joinSync

	lastReceived time.Time
	files        *transport.FileTransferer
	chat         *rate.Limiter

	cancel context.CancelFunc
}

type joinSync struct {
	// snapshot is pinned once offered so a newer snapshot cannot change
	// the history replayed to this joiner.
	snapshot *storedSnapshot
}

func (s *Session) HostID() uint32      { return s.hostID }
func (s *Session) GUID() string        { return s.guid }
func (s *Session) Name() string        { return s.name }
func (s *Session) State() SessionState { return s.state }

func (s *Session) send(msg proto.Message) error {
	return transport.Write(s.conn, msg)
}

// event is what session readers hand to the worker.
type event struct {
	session   *Session
	connect   bool
	msg       proto.Message
	err       error
	malformed bool
}

func newSession(hostID uint32, conn transport.Conn) *Session {
	return &Session{hostID: hostID, conn: conn, state: StateUnconnected}
}

// readLoop forwards decoded messages until the connection fails. Decode
// failures are forwarded too so the worker can apply the protocol policy.
func (s *Session) readLoop(ctx context.Context, events chan<- event) {
	for {
		frame, err := s.conn.Recv(ctx)
		if err != nil {
			select {
			case events <- event{session: s, err: err}:
			case <-ctx.Done():
			}
			return
		}
		msg, err := proto.Decode(frame)
		select {
		case events <- event{session: s, msg: msg, err: err, malformed: err != nil}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// observer reports whether the assignment controls no player.
func observer(playerID int32) bool {
	return playerID == sim.ObserverPlayerID
}
