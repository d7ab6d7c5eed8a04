// Package netclient runs the participant side of a lockstep session: the
// handshake, the setup phase, the networked turn transport and the catch-up
// of a late joiner.
package netclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/net/transport"
	"lockstep/server/internal/replay"
	"lockstep/server/internal/sim"
	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/turn"
)

var (
	// ErrClosed is returned once the session ended locally.
	ErrClosed = errors.New("netclient: session closed")
	// ErrUnexpectedMessage is returned when the server answers the handshake
	// with something other than the expected reply.
	ErrUnexpectedMessage = errors.New("netclient: unexpected message")
	// ErrNotIngame is returned by operations that need a running match.
	ErrNotIngame = errors.New("netclient: not in game")
)

// State is the client view of the session.
type State int

const (
	StateAuthenticating State = iota
	StatePregame
	StateLoading
	StateJoinSyncing
	StateCatchingUp
	StateIngame
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StatePregame:
		return "pregame"
	case StateLoading:
		return "loading"
	case StateJoinSyncing:
		return "join_syncing"
	case StateCatchingUp:
		return "catching_up"
	case StateIngame:
		return "ingame"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config describes the local participant.
type Config struct {
	Name             string
	Password         string
	ControllerSecret string
	// RejoinGUID reclaims the identity of a previous session.
	RejoinGUID      string
	SoftwareVersion string

	Simulation   sim.Simulation
	Replay       sim.ReplayLogger
	CommandDelay uint32
	TurnLength   uint32
	Loop         turn.LoopConfig

	// HashHistory bounds how many local hashes are kept for OOS dumps.
	HashHistory        int
	NotificationBuffer int
	FileTransfer       transport.FileTransferConfig

	Clock  clock.Clock
	Logger telemetry.Logger
}

func (c Config) normalized() Config {
	if c.CommandDelay == 0 {
		c.CommandDelay = turn.DefaultCommandDelay
	}
	if c.TurnLength == 0 {
		c.TurnLength = turn.DefaultTurnLength
	}
	if c.Replay == nil {
		c.Replay = sim.NopReplayLogger{}
	}
	if c.HashHistory <= 0 {
		c.HashHistory = 64
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = 256
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = telemetry.NopLogger()
	}
	return c
}

// Notification is a server message surfaced to the user interface. DumpPath
// is set on the sync error that produced a local debug dump.
type Notification struct {
	Message  proto.Message
	DumpPath string
}

type inbound struct {
	msg proto.Message
	err error
}

// Client is one participant session. Apart from Notifications it is not
// safe for concurrent use: the owner polls it once per frame.
type Client struct {
	cfg    Config
	conn   transport.Conn
	logger telemetry.Logger

	state         State
	guid          string
	hostID        uint32
	name          string
	controller    bool
	lobbyRequired bool
	playerID      int32
	roster        proto.PlayerAssignment
	attributes    []byte

	manager   *turn.Manager
	loop      *turn.Loop
	networked *Networked
	files     *transport.FileTransferer

	hashes    map[uint32]sim.StateHash
	hashOrder []uint32

	reason        proto.DisconnectReason
	err           error
	incoming      chan inbound
	notifications chan Notification
	dropped       int
	cancel        context.CancelFunc
}

// Connect performs the handshake on conn and sends the credentials. The
// result of the authentication arrives later through Poll; in lobby-gated
// mode the server holds it until the lobby approves GUID.
func Connect(ctx context.Context, conn transport.Conn, cfg Config) (*Client, error) {
	cfg = cfg.normalized()
	if cfg.Simulation == nil {
		return nil, errors.New("netclient: simulation is required")
	}
	c := &Client{
		cfg:           cfg,
		conn:          conn,
		logger:        cfg.Logger,
		state:         StateAuthenticating,
		name:          cfg.Name,
		playerID:      sim.ObserverPlayerID,
		hashes:        make(map[uint32]sim.StateHash),
		incoming:      make(chan inbound, 256),
		notifications: make(chan Notification, cfg.NotificationBuffer),
	}
	c.files = transport.NewFileTransferer(c.send, cfg.FileTransfer)

	if err := c.send(proto.Handshake{ProtocolVersion: proto.ProtocolVersion, SoftwareVersion: cfg.SoftwareVersion}); err != nil {
		return nil, fmt.Errorf("netclient: handshake: %w", err)
	}
	msg, err := transport.Read(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("netclient: handshake: %w", err)
	}
	switch m := msg.(type) {
	case proto.HandshakeResponse:
		c.guid = m.GUID
		c.lobbyRequired = m.Flags&proto.FlagRequireLobbyAuth != 0
	case proto.Disconnect:
		conn.Close()
		return nil, &proto.DisconnectError{Reason: m.Reason}
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: %s during handshake", ErrUnexpectedMessage, msg.Type())
	}

	if err := c.send(proto.Authenticate{
		Name:             cfg.Name,
		Password:         cfg.Password,
		ControllerSecret: cfg.ControllerSecret,
		RejoinGUID:       cfg.RejoinGUID,
	}); err != nil {
		return nil, fmt.Errorf("netclient: authenticate: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(readCtx)
	return c, nil
}

func (c *Client) State() State                   { return c.state }
func (c *Client) GUID() string                   { return c.guid }
func (c *Client) HostID() uint32                 { return c.hostID }
func (c *Client) Name() string                   { return c.name }
func (c *Client) PlayerID() int32                { return c.playerID }
func (c *Client) IsController() bool             { return c.controller }
func (c *Client) LobbyRequired() bool            { return c.lobbyRequired }
func (c *Client) Attributes() []byte             { return c.attributes }
func (c *Client) Roster() proto.PlayerAssignment { return c.roster }
func (c *Client) Manager() *turn.Manager         { return c.manager }
func (c *Client) Transport() *Networked          { return c.networked }

// Notifications delivers user-facing server messages. Messages are dropped
// when the buffer is full.
func (c *Client) Notifications() <-chan Notification { return c.notifications }

// DisconnectReason is the reason the server gave, if any.
func (c *Client) DisconnectReason() proto.DisconnectReason { return c.reason }

func (c *Client) readLoop(ctx context.Context) {
	for {
		frame, err := c.conn.Recv(ctx)
		if err != nil {
			select {
			case c.incoming <- inbound{err: err}:
			case <-ctx.Done():
			}
			return
		}
		msg, err := proto.Decode(frame)
		select {
		case c.incoming <- inbound{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Poll handles every message that already arrived. It returns the error
// that ended the session, if any.
func (c *Client) Poll() error {
	for c.err == nil {
		select {
		case in := <-c.incoming:
			c.receive(in)
		default:
			return nil
		}
	}
	return c.err
}

// Wait blocks up to timeout for the next message, then polls.
func (c *Client) Wait(ctx context.Context, timeout time.Duration) error {
	if c.err != nil {
		return c.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in := <-c.incoming:
		c.receive(in)
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Poll()
}

// Frame polls the session and advances the simulation by delta.
func (c *Client) Frame(now time.Time, delta time.Duration) (turn.FrameResult, error) {
	if err := c.Poll(); err != nil {
		return turn.FrameResult{}, err
	}
	if c.state != StateIngame || c.loop == nil {
		return turn.FrameResult{Now: now, Delta: delta}, nil
	}
	result := c.loop.Frame(now, delta)
	return result, c.err
}

// Run drives frames at the configured frame rate until ctx ends or the
// session fails.
func (c *Client) Run(ctx context.Context) error {
	rate := c.cfg.Loop.FrameRate
	if rate <= 0 {
		rate = turn.DefaultLoopConfig().FrameRate
	}
	budget := time.Second / time.Duration(rate)
	ticker := c.cfg.Clock.Ticker(budget)
	defer ticker.Stop()

	last := c.cfg.Clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-c.incoming:
			c.receive(in)
			if c.err != nil {
				return c.err
			}
		case <-ticker.C:
			now := c.cfg.Clock.Now()
			delta := now.Sub(last)
			if delta <= 0 {
				delta = budget
			}
			last = now
			if _, err := c.Frame(now, delta); err != nil {
				return err
			}
		}
	}
}

// Close ends the session locally.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

// PostCommand issues a command for the local player.
func (c *Client) PostCommand(payload []byte) error {
	if c.state != StateIngame || c.manager == nil {
		return ErrNotIngame
	}
	c.manager.PostCommand(c.playerID, payload)
	return c.err
}

// Loaded reports that the game finished loading after GameStart.
func (c *Client) Loaded() error {
	if c.state != StateLoading {
		return fmt.Errorf("netclient: loaded in state %s", c.state)
	}
	return c.send(proto.LoadedGame{})
}

// SetReady changes the local readiness during setup.
func (c *Client) SetReady(status proto.ReadyStatus) error {
	return c.send(proto.ReadyMessage{Status: status})
}

// Chat sends a chat line to every peer.
func (c *Client) Chat(text string) error {
	return c.send(proto.Chat{Text: text})
}

// SetPaused tells peers the local player paused.
func (c *Client) SetPaused(paused bool) error {
	return c.send(proto.ClientPaused{Paused: paused})
}

// StartGame asks the server to start the match. Only the controller may.
func (c *Client) StartGame(attrs []byte) error {
	return c.send(proto.GameStart{Attributes: attrs})
}

// SendSetup publishes a new game setup document. Only the controller may.
func (c *Client) SendSetup(attrs []byte) error {
	return c.send(proto.GameSetup{Attributes: attrs})
}

// AssignPlayer moves guid to playerID. Only the controller may.
func (c *Client) AssignPlayer(guid string, playerID int32) error {
	return c.send(proto.AssignPlayer{GUID: guid, PlayerID: playerID})
}

// Kick removes a named peer, optionally banning it. Only the controller may.
func (c *Client) Kick(name string, ban bool) error {
	return c.send(proto.Kick{Name: name, Ban: ban})
}

func (c *Client) send(msg proto.Message) error {
	if c.state == StateDisconnected {
		return ErrClosed
	}
	return transport.Write(c.conn, msg)
}

func (c *Client) receive(in inbound) {
	if c.err != nil {
		return
	}
	if in.err != nil {
		c.fail(fmt.Errorf("netclient: connection lost: %w", in.err))
		return
	}
	if err := c.dispatch(in.msg); err != nil {
		c.fail(err)
	}
}

func (c *Client) fail(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	c.state = StateDisconnected
	if c.cancel != nil {
		c.cancel()
	}
	c.conn.Close()
}

func (c *Client) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.dropped++
		c.logger.Printf("[netclient] notification buffer full, dropped %s (%d total)", n.Message.Type(), c.dropped)
	}
}

func (c *Client) dispatch(msg proto.Message) error {
	if handled, err := c.files.Handle(msg); handled {
		if err != nil {
			return fmt.Errorf("netclient: file transfer: %w", err)
		}
		return nil
	}

	switch m := msg.(type) {
	case proto.AuthenticateResult:
		c.guid, c.hostID, c.name, c.controller = m.GUID, m.HostID, m.Name, m.IsController
		c.state = StatePregame
		c.notify(Notification{Message: m})
	case proto.GameSetup:
		c.attributes = m.Attributes
		c.notify(Notification{Message: m})
	case proto.PlayerAssignment:
		c.onRoster(m)
	case proto.GameStart:
		c.attributes = m.Attributes
		c.startManager()
		c.state = StateLoading
		c.notify(Notification{Message: m})
	case proto.LoadedGame:
		return c.onLoadedGame(m)
	case proto.SimulationCommand:
		c.onCommand(m)
	case proto.EndCommandBatch:
		return c.onEndBatch(m)
	case proto.SyncError:
		c.onSyncError(m)
	case proto.JoinSyncStart:
		return c.onJoinSyncStart(m)
	case proto.FileTransferRequest:
		return c.onSnapshotRequest(m)
	case proto.Disconnect:
		c.reason = m.Reason
		c.notify(Notification{Message: m})
		return &proto.DisconnectError{Reason: m.Reason}
	default:
		c.notify(Notification{Message: m})
	}
	return nil
}

func (c *Client) onRoster(m proto.PlayerAssignment) {
	c.roster = m
	c.playerID = sim.ObserverPlayerID
	for _, entry := range m.Assignments {
		if entry.GUID == c.guid {
			c.playerID = entry.PlayerID
		}
	}
	c.notify(Notification{Message: m})
}

func (c *Client) startManager() {
	c.networked = newNetworked(c, c.cfg.CommandDelay-1)
	c.manager = turn.NewManager(c.cfg.Simulation, c.networked, turn.Config{
		ClientID:     c.hostID,
		CommandDelay: c.cfg.CommandDelay,
		TurnLength:   c.cfg.TurnLength,
		Replay:       c.cfg.Replay,
		Logger:       c.logger,
	})
	c.loop = turn.NewLoop(c.manager, c.cfg.Clock, c.cfg.Loop)
}

func (c *Client) onLoadedGame(m proto.LoadedGame) error {
	switch c.state {
	case StateLoading:
		c.state = StateIngame
	case StateCatchingUp:
		if m.CurrentTurn != c.manager.CurrentTurn() {
			return fmt.Errorf("netclient: admitted at turn %d but caught up to %d", m.CurrentTurn, c.manager.CurrentTurn())
		}
		c.networked.lastFinished = m.CurrentTurn + c.cfg.CommandDelay - 1
		c.state = StateIngame
		c.logger.Printf("[netclient] caught up at turn %d", m.CurrentTurn)
	default:
		return nil
	}
	c.notify(Notification{Message: m})
	return nil
}

func (c *Client) onCommand(m proto.SimulationCommand) {
	if c.manager == nil {
		c.logger.Printf("[netclient] command for turn %d before the match started", m.Turn)
		return
	}
	c.networked.Receive(c.manager, m)
}

func (c *Client) onEndBatch(m proto.EndCommandBatch) error {
	if c.manager == nil {
		return fmt.Errorf("netclient: end of batch %d before the match started", m.Turn)
	}
	if err := c.manager.FinishedAllCommands(m.Turn, m.TurnLength); err != nil {
		return fmt.Errorf("netclient: %w", err)
	}
	if c.state == StateCatchingUp {
		c.manager.UpdateFastForward()
	}
	return nil
}

func (c *Client) onJoinSyncStart(m proto.JoinSyncStart) error {
	c.attributes = m.Attributes
	c.startManager()
	c.state = StateJoinSyncing
	c.notify(Notification{Message: m})
	if _, err := c.files.StartTask(c.onSnapshot); err != nil {
		return fmt.Errorf("netclient: request snapshot: %w", err)
	}
	return nil
}

// onSnapshot loads the transferred state and reports the snapshot turn.
// The server then replays the history after it.
func (c *Client) onSnapshot(data []byte, err error) {
	if err != nil {
		c.fail(fmt.Errorf("netclient: snapshot transfer: %w", err))
		return
	}
	snap, err := proto.DecodeSnapshot(data)
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.cfg.Simulation.DeserializeState(snap.State); err != nil {
		c.fail(fmt.Errorf("netclient: load snapshot: %w", err))
		return
	}
	c.manager.ResetState(snap.Turn, snap.Turn)
	c.networked.reset()
	c.state = StateCatchingUp
	if err := c.send(proto.LoadedGame{CurrentTurn: snap.Turn}); err != nil {
		c.fail(err)
	}
}

// onSnapshotRequest serializes the local simulation for a joining peer.
func (c *Client) onSnapshotRequest(m proto.FileTransferRequest) error {
	if c.state != StateIngame {
		return fmt.Errorf("%w: snapshot requested in state %s", ErrUnexpectedMessage, c.state)
	}
	state, err := c.cfg.Simulation.SerializeState()
	if err != nil {
		return fmt.Errorf("netclient: serialize snapshot: %w", err)
	}
	data, err := proto.EncodeSnapshot(proto.Snapshot{Turn: c.manager.CurrentTurn(), State: state})
	if err != nil {
		return err
	}
	return c.files.StartResponse(m.RequestID, data)
}

func (c *Client) onSyncError(m proto.SyncError) {
	n := Notification{Message: m}
	if c.manager != nil && c.manager.MarkSyncError() {
		path, err := c.writeDump(m)
		switch {
		case errors.Is(err, replay.ErrNoDirectory):
		case err != nil:
			c.logger.Printf("[netclient] writing OOS dump failed: %v", err)
		default:
			n.DumpPath = path
			c.logger.Printf("[netclient] out of sync on turn %d, dump written to %s", m.Turn, path)
		}
	}
	c.notify(n)
}

func (c *Client) writeDump(m proto.SyncError) (string, error) {
	dir := c.cfg.Replay.Directory()
	if dir == "" {
		return "", replay.ErrNoDirectory
	}
	state, err := c.cfg.Simulation.SerializeState()
	if err != nil {
		return "", err
	}
	return replay.WriteDump(dir, replay.Dump{
		Turn:     m.Turn,
		Expected: sim.StateHash(m.ExpectedHash),
		Local:    c.hashes[m.Turn],
		Players:  m.Players,
		State:    state,
	})
}

func (c *Client) rememberHash(turn uint32, hash sim.StateHash) {
	c.hashes[turn] = hash
	c.hashOrder = append(c.hashOrder, turn)
	for len(c.hashOrder) > c.cfg.HashHistory {
		delete(c.hashes, c.hashOrder[0])
		c.hashOrder = c.hashOrder[1:]
	}
}

// Hash returns the hash reported for turn while it is still remembered.
func (c *Client) Hash(turn uint32) (sim.StateHash, bool) {
	hash, ok := c.hashes[turn]
	return hash, ok
}
