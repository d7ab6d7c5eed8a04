// Package netserver runs the authoritative relay of a lockstep match: the
// per-connection session state machine, player assignments, the turn
// aggregator and the rejoin protocol. All match state is owned by a single
// worker goroutine.
package netserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"lockstep/server/internal/journal"
	"lockstep/server/internal/lobby"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/net/transport"
	"lockstep/server/internal/sim"
	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
	"lockstep/server/logging/lifecycle"
	lognet "lockstep/server/logging/network"
)

const (
	metricCommands    = "lockstep_commands_total"
	metricBatches     = "lockstep_batches_total"
	metricSyncErrors  = "lockstep_sync_errors_total"
	metricDisconnects = "lockstep_disconnects_total"
	metricRejoins     = "lockstep_rejoins_total"
	metricSessions    = "lockstep_sessions"
	metricReadyTurn   = "lockstep_ready_turn"
)

// ErrWorkerClosed is returned by Run after Close.
var ErrWorkerClosed = errors.New("netserver: worker closed")

// ServerState is the phase of the match as a whole.
type ServerState int

const (
	ServerPregame ServerState = iota
	ServerLoading
	ServerIngame
)

func (s ServerState) String() string {
	switch s {
	case ServerPregame:
		return "pregame"
	case ServerLoading:
		return "loading"
	case ServerIngame:
		return "ingame"
	default:
		return "unknown"
	}
}

// LobbyApproval is the lobby's confirmation that a session may join.
type LobbyApproval struct {
	GUID  string
	Token string
}

// Worker owns every session and the match state.
type Worker struct {
	cfg       Config
	clock     clock.Clock
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	passwordHash     string
	controllerSecret string
	lobby            *lobby.Manager

	ctx        context.Context
	cancel     context.CancelFunc
	events     chan event
	wake       chan struct{}
	nextHostID atomic.Uint32
	closed     atomic.Bool

	startGameQueue      *Queue[[]byte]
	initAttributesQueue *Queue[[]byte]
	lobbyAuthQueue      *Queue[LobbyApproval]
	turnLengthQueue     *Queue[uint32]

	state       ServerState
	sessions    []*Session
	assignments *Assignments
	attributes  []byte
	bans        map[string]struct{}
	buddies     map[string]struct{}
	archive     *journal.Archive
	turns       *TurnAggregator
	turnLength  uint32
	snapshot    *storedSnapshot
	snapshotReq *snapshotRequest
	lastSweep   time.Time

	diagnostics atomic.Pointer[Diagnostics]
}

// NewWorker validates cfg and prepares a worker. Accept may be called
// before Run; connections are serviced once Run starts.
func NewWorker(cfg Config) (*Worker, error) {
	cfg = cfg.normalized()
	w := &Worker{
		cfg:              cfg,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		publisher:        cfg.Publisher,
		controllerSecret: cfg.ControllerSecret,
		events:           make(chan event, cfg.EventBuffer),
		wake:             make(chan struct{}, 1),
		assignments:      NewAssignments(),
		bans:             make(map[string]struct{}),
		buddies:          make(map[string]struct{}, len(cfg.Buddies)),
		archive:          journal.NewArchive(cfg.TurnLength),
		turnLength:       cfg.TurnLength,
	}
	if cfg.Password != "" {
		hash, err := argon2id.CreateHash(cfg.Password, argon2id.DefaultParams)
		if err != nil {
			return nil, fmt.Errorf("netserver: hash password: %w", err)
		}
		w.passwordHash = hash
	}
	if w.controllerSecret == "" {
		w.controllerSecret = uuid.NewString()
	}
	if cfg.LobbySecret != "" {
		w.lobby = lobby.NewManager(cfg.LobbySecret, cfg.LobbyTokenTTL)
	}
	for _, name := range cfg.Buddies {
		if name = strings.TrimSpace(name); name != "" {
			w.buddies[strings.ToLower(lobby.StripRating(name))] = struct{}{}
		}
	}

	w.startGameQueue = NewQueue[[]byte]("start_game", cfg.QueueCapacity, w.metrics)
	w.initAttributesQueue = NewQueue[[]byte]("init_attributes", cfg.QueueCapacity, w.metrics)
	w.lobbyAuthQueue = NewQueue[LobbyApproval]("lobby_auth", cfg.QueueCapacity, w.metrics)
	w.turnLengthQueue = NewQueue[uint32]("turn_length", cfg.QueueCapacity, w.metrics)
	for _, hook := range []*func(){
		&w.startGameQueue.onPushed,
		&w.initAttributesQueue.onPushed,
		&w.lobbyAuthQueue.onPushed,
		&w.turnLengthQueue.onPushed,
	} {
		*hook = w.signal
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.lastSweep = w.clock.Now()
	w.publishDiagnostics()
	return w, nil
}

// ControllerSecret is the secret that grants the controller role.
func (w *Worker) ControllerSecret() string { return w.controllerSecret }

// LobbyTokens returns the token manager, or nil when lobby authentication
// is disabled.
func (w *Worker) LobbyTokens() *lobby.Manager { return w.lobby }

// StartGame asks the worker to start the match with attrs.
func (w *Worker) StartGame(attrs []byte) bool { return w.startGameQueue.Push(attrs) }

// SetInitAttributes replaces the game setup document during pregame.
func (w *Worker) SetInitAttributes(attrs []byte) bool { return w.initAttributesQueue.Push(attrs) }

// ApproveLobbyAuth forwards a lobby approval for a waiting session.
func (w *Worker) ApproveLobbyAuth(a LobbyApproval) bool { return w.lobbyAuthQueue.Push(a) }

// SetTurnLength changes the length of turns authorized from now on.
func (w *Worker) SetTurnLength(ms uint32) bool { return w.turnLengthQueue.Push(ms) }

// Accept registers a new connection. It is safe to call from any goroutine.
func (w *Worker) Accept(conn transport.Conn) {
	if w.closed.Load() {
		conn.Close()
		return
	}
	s := newSession(w.nextHostID.Add(1), conn)
	ctx, cancel := context.WithCancel(w.ctx)
	s.cancel = cancel
	select {
	case w.events <- event{session: s, connect: true}:
	case <-w.ctx.Done():
		cancel()
		conn.Close()
		return
	}
	go s.readLoop(ctx, w.events)
}

// Run services sessions until ctx ends or Close is called.
func (w *Worker) Run(ctx context.Context) error {
	defer w.shutdown()
	for {
		if err := w.Poll(ctx, w.cfg.PollTimeout); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrWorkerClosed) {
				return nil
			}
			return err
		}
	}
}

// Close stops the worker and disconnects every session.
func (w *Worker) Close() {
	if w.closed.CompareAndSwap(false, true) {
		w.cancel()
	}
}

// Poll runs one iteration of the worker loop: drain the request queues,
// wait up to timeout for network activity, handle everything that arrived
// and run the liveness sweep when due.
func (w *Worker) Poll(ctx context.Context, timeout time.Duration) error {
	w.drainQueues()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-w.events:
		w.handleEvent(ev)
	case <-w.wake:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrWorkerClosed
	}

	for drained := false; !drained; {
		select {
		case ev := <-w.events:
			w.handleEvent(ev)
		default:
			drained = true
		}
	}

	w.drainQueues()
	w.sweepIfDue()
	w.publishDiagnostics()
	return nil
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) drainQueues() {
	for _, attrs := range w.initAttributesQueue.Drain() {
		w.setAttributes(attrs, nil)
	}
	for _, approval := range w.lobbyAuthQueue.Drain() {
		w.onLobbyApproval(approval)
	}
	for _, ms := range w.turnLengthQueue.Drain() {
		if ms == 0 {
			continue
		}
		w.turnLength = ms
		if w.turns != nil {
			w.turns.SetTurnLength(ms)
		}
	}
	for _, attrs := range w.startGameQueue.Drain() {
		w.startGame(attrs)
	}
}

func (w *Worker) handleEvent(ev event) {
	s := ev.session
	if ev.connect {
		w.onConnect(s)
		return
	}
	if s.removed {
		return
	}
	if ev.malformed {
		w.violation(s, "malformed message", proto.ReasonProtocolError)
		w.disconnect(s, proto.ReasonProtocolError, true)
		return
	}
	if ev.err != nil {
		w.disconnect(s, proto.ReasonConnectionLost, false)
		return
	}
	s.lastReceived = w.clock.Now()
	w.dispatch(s, ev.msg)
}

func (w *Worker) onConnect(s *Session) {
	s.state = StateHandshake
	s.lastReceived = w.clock.Now()
	s.files = transport.NewFileTransferer(s.send, w.cfg.FileTransfer)
	w.sessions = append(w.sessions, s)
	w.metrics.Store(metricSessions, uint64(len(w.sessions)))
	w.logger.Printf("[netserver] session %d connected from %s", s.hostID, s.conn.RemoteAddr())
}

// disconnect removes s. When notify is set the peer is told why first.
func (w *Worker) disconnect(s *Session, reason proto.DisconnectReason, notify bool) {
	if s.removed {
		return
	}
	s.removed = true
	if notify {
		if err := s.send(proto.Disconnect{Reason: reason}); err != nil {
			w.logger.Printf("[netserver] failed to notify session %d of disconnect: %v", s.hostID, err)
		}
	}
	previous := s.state
	s.state = StateUnconnected
	s.files.Cancel()
	s.conn.Close()
	if s.cancel != nil {
		s.cancel()
	}

	for i, other := range w.sessions {
		if other == s {
			w.sessions = append(w.sessions[:i], w.sessions[i+1:]...)
			break
		}
	}
	w.metrics.Store(metricSessions, uint64(len(w.sessions)))
	w.metrics.Add(metricDisconnects, 1)
	lognet.SessionDisconnected(w.ctx, w.publisher, w.readyTurn(), logging.SessionRef(s.guid), lognet.DisconnectPayload{
		State:  previous.String(),
		Reason: reason.String(),
	})
	w.logger.Printf("[netserver] session %d (%s) disconnected in %s: %s", s.hostID, s.name, previous, reason)

	if previous.authenticated() {
		w.assignments.Disable(s.guid)
		w.broadcastRoster()
	}
	if w.turns != nil {
		w.turns.UninitialiseClient(s.hostID)
		w.metrics.Store(metricReadyTurn, uint64(w.turns.ReadyTurn()))
	}
	if w.snapshotReq != nil && w.snapshotReq.source == s {
		w.snapshotReq = nil
		w.requestSnapshot()
	}
	if w.state == ServerLoading {
		w.checkGameLoaded()
	}
}

func (w *Worker) shutdown() {
	w.Close()
	for len(w.sessions) > 0 {
		w.disconnect(w.sessions[0], proto.ReasonUnexpectedShutdown, true)
	}
	w.publishDiagnostics()
}

func (w *Worker) readyTurn() uint32 {
	if w.turns == nil {
		return 0
	}
	return w.turns.ReadyTurn()
}

// broadcast sends msg to every session in one of states except skip.
func (w *Worker) broadcast(msg proto.Message, skip *Session, states ...SessionState) {
	for _, s := range append([]*Session(nil), w.sessions...) {
		if s == skip || s.removed || !inStates(s.state, states) {
			continue
		}
		if err := s.send(msg); err != nil {
			w.sendFailed(s, msg, err)
		}
	}
}

func (w *Worker) reply(s *Session, msg proto.Message) {
	if err := s.send(msg); err != nil {
		w.sendFailed(s, msg, err)
	}
}

// sendFailed closes the connection. The session is removed when its reader
// reports the loss, never in the middle of a broadcast.
func (w *Worker) sendFailed(s *Session, msg proto.Message, err error) {
	w.logger.Printf("[netserver] send %s to session %d failed: %v", msg.Type(), s.hostID, err)
	s.conn.Close()
}

func (w *Worker) broadcastRoster() {
	w.broadcast(w.assignments.Roster(), nil, StatePregame, StateLoading, StateJoinSyncing, StateIngame)
}

func inStates(state SessionState, states []SessionState) bool {
	for _, candidate := range states {
		if candidate == state {
			return true
		}
	}
	return false
}

func (w *Worker) setAttributes(attrs []byte, from *Session) {
	if w.state != ServerPregame {
		w.logger.Printf("[netserver] ignoring game setup after the match started")
		return
	}
	w.attributes = append([]byte(nil), attrs...)
	w.broadcast(proto.GameSetup{Attributes: w.attributes}, from, StatePregame)
}

// startGame freezes the setup, admits every authenticated session into
// turn accounting and tells everyone to load.
func (w *Worker) startGame(attrs []byte) {
	if w.state != ServerPregame {
		w.logger.Printf("[netserver] ignoring game start in state %s", w.state)
		return
	}
	if attrs != nil {
		w.attributes = append([]byte(nil), attrs...)
	}
	w.assignments.EraseDisabled()
	w.archive.Reset(w.turnLength)
	w.snapshot = nil
	w.turns = NewTurnAggregator(w.cfg.CommandDelay, w.turnLength, w.cfg.ObserverMaxLag, w.archive, AggregatorHooks{
		EndBatch:  w.onEndBatch,
		SyncError: w.onSyncError,
	})
	w.state = ServerLoading

	for _, s := range w.sessions {
		if s.state != StatePregame {
			continue
		}
		s.state = StateLoading
		s.loaded = false
		playerID := w.assignments.PlayerID(s.guid)
		w.turns.InitialiseClient(s.hostID, s.name, 0, observer(playerID))
	}
	w.logger.Printf("[netserver] game started with %d sessions", len(w.sessions))
	lifecycle.MatchStarted(w.ctx, w.publisher, w.population())
	w.broadcast(proto.GameStart{Attributes: w.attributes}, nil, StateLoading)
	w.broadcastLoading()
	w.checkGameLoaded()
}

func (w *Worker) broadcastLoading() {
	var loading []string
	for _, s := range w.sessions {
		if s.state == StateLoading && !s.loaded {
			loading = append(loading, s.guid)
		}
	}
	w.broadcast(proto.ClientsLoading{GUIDs: loading}, nil, StateLoading)
}

// checkGameLoaded moves the match in game once every loading session
// reported LoadedGame.
func (w *Worker) checkGameLoaded() {
	if w.state != ServerLoading {
		return
	}
	for _, s := range w.sessions {
		if s.state == StateLoading && !s.loaded {
			return
		}
	}
	w.broadcast(proto.LoadedGame{CurrentTurn: 0}, nil, StateLoading)
	for _, s := range w.sessions {
		if s.state == StateLoading {
			s.state = StateIngame
		}
	}
	w.state = ServerIngame
	w.logger.Printf("[netserver] all sessions loaded")
	lifecycle.MatchLoaded(w.ctx, w.publisher, w.population())
}

func (w *Worker) population() lifecycle.MatchPayload {
	return lifecycle.MatchPayload{Sessions: w.authenticatedCount(), Observers: w.observerCount()}
}

func (w *Worker) onEndBatch(turn, turnLength uint32) {
	w.metrics.Add(metricBatches, 1)
	w.metrics.Store(metricReadyTurn, uint64(turn))
	w.broadcast(proto.EndCommandBatch{Turn: turn, TurnLength: turnLength}, nil, StateIngame)
	logTurnAuthorized(w.ctx, w.publisher, turn, turnLength, len(w.archive.Commands(turn)))
}

func (w *Worker) onSyncError(turn uint32, expected sim.StateHash, players []string) {
	w.metrics.Add(metricSyncErrors, 1)
	w.logger.Printf("[netserver] out of sync on turn %d: %s (expected %s)", turn, strings.Join(players, ", "), expected)
	logSyncError(w.ctx, w.publisher, turn, players, expected, w.guidsForNames(players))
	w.broadcast(proto.SyncError{Turn: turn, ExpectedHash: []byte(expected), Players: players}, nil, StateIngame)
}

func (w *Worker) guidsForNames(names []string) []string {
	var guids []string
	for _, s := range w.sessions {
		for _, name := range names {
			if s.name == name {
				guids = append(guids, s.guid)
			}
		}
	}
	return guids
}

func (w *Worker) violation(s *Session, message string, reason proto.DisconnectReason) {
	lognet.ProtocolViolation(w.ctx, w.publisher, w.readyTurn(), logging.SessionRef(s.guid), lognet.ProtocolViolationPayload{
		State:   s.state.String(),
		Message: message,
		Reason:  reason.String(),
	}, nil)
	w.logger.Printf("[netserver] session %d sent %s in %s: %s", s.hostID, message, s.state, reason)
}
