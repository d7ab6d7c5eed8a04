package netclient_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/net/transport"
	"lockstep/server/internal/netclient"
	"lockstep/server/internal/netserver"
	"lockstep/server/internal/replay"
	"lockstep/server/internal/sim"
)

const frameLength = 200 * time.Millisecond

func startServer(t *testing.T, configure func(*netserver.Config)) *netserver.Worker {
	t.Helper()
	cfg := netserver.DefaultConfig()
	cfg.PollTimeout = 5 * time.Millisecond
	if configure != nil {
		configure(&cfg)
	}
	w, err := netserver.NewWorker(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

type participant struct {
	*netclient.Client
	ledger *sim.Ledger
}

func connect(t *testing.T, w *netserver.Worker, cfg netclient.Config) *participant {
	t.Helper()
	client, server := transport.NewPipe(cfg.Name, "server")
	w.Accept(server)
	ledger := sim.NewLedger([]byte("seed"))
	if cfg.Simulation == nil {
		cfg.Simulation = ledger
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := netclient.Connect(ctx, client, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &participant{Client: c, ledger: ledger}
}

// drive runs frames on every participant until done holds.
func drive(t *testing.T, done func() bool, participants ...*participant) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "condition not reached in time")
		for _, p := range participants {
			_, err := p.Frame(time.Now(), frameLength)
			require.NoError(t, err, p.Name())
		}
		time.Sleep(time.Millisecond)
	}
}

func inState(state netclient.State, participants ...*participant) func() bool {
	return func() bool {
		for _, p := range participants {
			if p.State() != state {
				return false
			}
		}
		return true
	}
}

func atTurn(turn uint32, participants ...*participant) func() bool {
	return func() bool {
		for _, p := range participants {
			if p.Manager() == nil || p.Manager().CurrentTurn() < turn {
				return false
			}
		}
		return true
	}
}

func startMatch(t *testing.T, w *netserver.Worker, names ...string) []*participant {
	t.Helper()
	players := make([]*participant, len(names))
	for i, name := range names {
		cfg := netclient.Config{Name: name}
		if i == 0 {
			cfg.ControllerSecret = w.ControllerSecret()
		}
		players[i] = connect(t, w, cfg)
		drive(t, inState(netclient.StatePregame, players[i]), players[i])
	}
	require.True(t, players[0].IsController())

	require.NoError(t, players[0].StartGame([]byte("map")))
	drive(t, inState(netclient.StateLoading, players...), players...)
	for _, p := range players {
		assert.Equal(t, []byte("map"), p.Attributes())
		require.NoError(t, p.Loaded())
	}
	drive(t, inState(netclient.StateIngame, players...), players...)
	return players
}

func assertSameHashes(t *testing.T, from, to uint32, a, b *participant) {
	t.Helper()
	for turn := from; turn <= to; turn++ {
		ha, okA := a.Hash(turn)
		hb, okB := b.Hash(turn)
		require.True(t, okA && okB, "turn %d not hashed", turn)
		assert.Equal(t, ha, hb, "turn %d", turn)
	}
}

func TestTwoPlayersStayInSync(t *testing.T) {
	w := startServer(t, nil)
	players := startMatch(t, w, "alice", "bob")
	a, b := players[0], players[1]
	assert.Equal(t, int32(0), a.PlayerID())
	assert.Equal(t, int32(1), b.PlayerID())

	require.NoError(t, a.PostCommand([]byte("build")))
	drive(t, atTurn(6, a, b), a, b)

	assertSameHashes(t, 1, 6, a, b)
	assert.Equal(t, uint64(1), a.ledger.CommandsFor(0))
	assert.Equal(t, uint64(1), b.ledger.CommandsFor(0))
	assert.Zero(t, b.ledger.CommandsFor(1))
}

func TestLateJoinerCatchesUp(t *testing.T) {
	w := startServer(t, nil)
	players := startMatch(t, w, "alice", "bob")
	a, b := players[0], players[1]

	for i := 0; i < 5; i++ {
		require.NoError(t, a.PostCommand([]byte(fmt.Sprintf("a%d", i))))
		require.NoError(t, b.PostCommand([]byte(fmt.Sprintf("b%d", i))))
		drive(t, atTurn(uint32(2*i+2), a, b), a, b)
	}

	c := connect(t, w, netclient.Config{Name: "carol"})
	drive(t, inState(netclient.StateIngame, c), a, b, c)
	joined := c.Manager().CurrentTurn()
	assert.Equal(t, sim.ObserverPlayerID, c.PlayerID())

	drive(t, atTurn(joined+5, a, b, c), a, b, c)
	assertSameHashes(t, joined+1, joined+5, a, c)
	assert.Equal(t, a.ledger.CommandsFor(0), c.ledger.CommandsFor(0))
	assert.Equal(t, a.ledger.CommandsFor(1), c.ledger.CommandsFor(1))
}

func TestLaggingObserverKeepsRelayedCommands(t *testing.T) {
	w := startServer(t, func(cfg *netserver.Config) { cfg.MaxPlayers = 2 })
	players := startMatch(t, w, "alice", "bob", "olga")
	a, b, o := players[0], players[1], players[2]
	require.Equal(t, sim.ObserverPlayerID, o.PlayerID())

	// The observer only reads its messages while the players advance, so
	// relayed commands run ahead of its admission window.
	lagging := func(done func() bool) {
		deadline := time.Now().Add(5 * time.Second)
		for !done() {
			require.True(t, time.Now().Before(deadline), "condition not reached in time")
			for _, p := range []*participant{a, b} {
				_, err := p.Frame(time.Now(), frameLength)
				require.NoError(t, err, p.Name())
			}
			require.NoError(t, o.Poll())
			time.Sleep(time.Millisecond)
		}
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, a.PostCommand([]byte(fmt.Sprintf("a%d", i))))
		lagging(atTurn(a.Manager().CurrentTurn()+1, a, b))
	}
	require.Eventually(t, func() bool {
		return o.Poll() == nil && o.Transport().Backlog() > 0
	}, 2*time.Second, time.Millisecond)
	observerTurn := o.Manager().CurrentTurn()

	target := a.Manager().CurrentTurn() + 2
	drive(t, atTurn(target, a, b, o), a, b, o)

	assert.Zero(t, o.Transport().Backlog())
	assert.Equal(t, uint64(6), a.ledger.CommandsFor(0))
	assert.Equal(t, a.ledger.CommandsFor(0), o.ledger.CommandsFor(0))
	assert.Equal(t, a.ledger.CommandsFor(0), b.ledger.CommandsFor(0))
	assertSameHashes(t, observerTurn+1, target, a, o)
	assertSameHashes(t, observerTurn+1, target, b, o)
}

func TestDivergenceWritesDump(t *testing.T) {
	w := startServer(t, nil)

	a := connect(t, w, netclient.Config{
		Name:             "alice",
		ControllerSecret: w.ControllerSecret(),
		Replay:           replay.NewRecorder(t.TempDir()),
	})
	other := sim.NewLedger([]byte("another seed"))
	b := connect(t, w, netclient.Config{
		Name:       "bob",
		Simulation: other,
		Replay:     replay.NewRecorder(t.TempDir()),
	})
	b.ledger = other
	drive(t, inState(netclient.StatePregame, a, b), a, b)
	require.NoError(t, a.StartGame(nil))
	drive(t, inState(netclient.StateLoading, a, b), a, b)
	require.NoError(t, a.Loaded())
	require.NoError(t, b.Loaded())
	drive(t, atTurn(3, a, b), a, b)

	for _, p := range []*participant{a, b} {
		n := awaitSyncError(t, p)
		require.NotEmpty(t, n.DumpPath, p.Name())
		dump, err := replay.ReadDump(n.DumpPath)
		require.NoError(t, err)
		msg := n.Message.(proto.SyncError)
		assert.Equal(t, msg.Turn, dump.Turn)
		assert.Len(t, dump.Players, 1)
		assert.True(t, p.Manager().HasSyncError())
	}
}

func awaitSyncError(t *testing.T, p *participant) netclient.Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-p.Notifications():
			if _, ok := n.Message.(proto.SyncError); ok {
				return n
			}
		case <-timeout:
			t.Fatalf("%s: no sync error notification", p.Name())
		}
	}
}

func TestAuthenticationFailureEndsSession(t *testing.T) {
	w := startServer(t, func(cfg *netserver.Config) { cfg.Password = "secret" })
	p := connect(t, w, netclient.Config{Name: "alice", Password: "wrong"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	for err == nil {
		err = p.Wait(ctx, 10*time.Millisecond)
	}
	var disconnect *proto.DisconnectError
	require.True(t, errors.As(err, &disconnect), "got %v", err)
	assert.Equal(t, proto.ReasonInvalidPassword, disconnect.Reason)
	assert.Equal(t, proto.ReasonInvalidPassword, p.DisconnectReason())
	assert.Equal(t, netclient.StateDisconnected, p.State())
}

func TestPostCommandRequiresMatch(t *testing.T) {
	w := startServer(t, nil)
	p := connect(t, w, netclient.Config{Name: "alice"})
	assert.ErrorIs(t, p.PostCommand([]byte("x")), netclient.ErrNotIngame)
}
