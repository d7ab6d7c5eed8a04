package netclient

import (
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/sim"
	"lockstep/server/internal/turn"
)

// Networked is the turn transport of a connected participant. Local
// commands are delayed by the command delay and relayed through the server;
// readiness and hashes are reported back to it.
type Networked struct {
	client *Client
	// lastFinished is the last turn reported with EndCommandBatch.
	lastFinished uint32
	// backlog holds relayed commands for turns past the admission window,
	// in arrival order per turn. A lagging observer keeps receiving the
	// commands of turns the players already authorized.
	backlog map[uint32][]proto.SimulationCommand
}

func newNetworked(client *Client, lastFinished uint32) *Networked {
	return &Networked{
		client:       client,
		lastFinished: lastFinished,
		backlog:      make(map[uint32][]proto.SimulationCommand),
	}
}

// Receive buffers a command relayed by the server.
func (n *Networked) Receive(m *turn.Manager, cmd proto.SimulationCommand) {
	n.Admit(m)
	if cmd.Turn > m.CurrentTurn() && !m.Admits(cmd.Turn) {
		n.backlog[cmd.Turn] = append(n.backlog[cmd.Turn], cmd)
		return
	}
	m.AddCommand(cmd.ClientID, cmd.PlayerID, cmd.Payload, cmd.Turn)
}

// Admit implements turn.Admitter.
func (n *Networked) Admit(m *turn.Manager) {
	if len(n.backlog) == 0 {
		return
	}
	last := m.CurrentTurn() + m.CommandDelay() + 1
	for t := m.CurrentTurn() + 1; t <= last; t++ {
		cmds, ok := n.backlog[t]
		if !ok {
			continue
		}
		for _, cmd := range cmds {
			m.AddCommand(cmd.ClientID, cmd.PlayerID, cmd.Payload, cmd.Turn)
		}
		delete(n.backlog, t)
	}
}

// Backlog reports how many relayed commands wait for the admission window.
func (n *Networked) Backlog() int {
	total := 0
	for _, cmds := range n.backlog {
		total += len(cmds)
	}
	return total
}

func (n *Networked) reset() {
	clear(n.backlog)
}

// PostCommand implements turn.Transport. The server relays the command to
// every other peer, so it is buffered locally as well.
func (n *Networked) PostCommand(m *turn.Manager, playerID int32, payload []byte) {
	target := m.CurrentTurn() + m.CommandDelay()
	if !m.AddCommand(m.ClientID(), playerID, payload, target) {
		return
	}
	n.report(proto.SimulationCommand{
		ClientID: m.ClientID(),
		PlayerID: playerID,
		Turn:     target,
		Payload:  payload,
	})
}

// FinishedOwnCommands implements turn.Transport. The manager asks on every
// frame; each turn is reported once.
func (n *Networked) FinishedOwnCommands(_ *turn.Manager, turn uint32) {
	if turn <= n.lastFinished {
		return
	}
	n.lastFinished = turn
	n.report(proto.EndCommandBatch{Turn: turn})
}

// FinishedUpdate implements turn.Transport.
func (n *Networked) FinishedUpdate(m *turn.Manager, turn uint32) {
	quick := !sim.TurnNeedsFullHash(turn)
	hash := m.Simulation().ComputeStateHash(quick)
	m.Replay().Hash(hash, quick)
	n.client.rememberHash(turn, hash)
	n.report(proto.SyncCheck{Turn: turn, Hash: []byte(hash)})
}

func (n *Networked) report(msg proto.Message) {
	if err := n.client.send(msg); err != nil {
		n.client.fail(err)
	}
}

var (
	_ turn.Transport = (*Networked)(nil)
	_ turn.Admitter  = (*Networked)(nil)
)
