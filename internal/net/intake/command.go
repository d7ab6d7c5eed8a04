package intake

import (
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/sim"
)

const (
	// RejectObserver indicates a command from a session controlling no player.
	RejectObserver = "observer"
	// RejectPlayerMismatch indicates a command for a player the sender does
	// not control.
	RejectPlayerMismatch = "player_mismatch"
	// RejectStaleTurn indicates a command for a turn that was already
	// authorized.
	RejectStaleTurn = "stale_turn"
	// RejectPayloadTooLarge indicates an oversized command payload.
	RejectPayloadTooLarge = "payload_too_large"
	// RejectNotIngame indicates a command before the match started.
	RejectNotIngame = "not_ingame"
)

// DefaultMaxPayload bounds a single command payload in bytes.
const DefaultMaxPayload = 16 * 1024

type CommandContext struct {
	HostID     uint32
	PlayerID   int32
	Ingame     bool
	ReadyTurn  uint32
	MaxPayload int
}

// StageSimulationCommand validates a command received from a session and
// stamps it with the sender's host id. The claimed client id is ignored.
func StageSimulationCommand(ctx CommandContext, msg proto.SimulationCommand) (sim.Command, bool, string) {
	var zero sim.Command

	if !ctx.Ingame {
		return zero, false, RejectNotIngame
	}
	if ctx.PlayerID == sim.ObserverPlayerID {
		return zero, false, RejectObserver
	}
	if msg.PlayerID != ctx.PlayerID {
		return zero, false, RejectPlayerMismatch
	}
	if msg.Turn <= ctx.ReadyTurn {
		return zero, false, RejectStaleTurn
	}
	limit := ctx.MaxPayload
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	if len(msg.Payload) > limit {
		return zero, false, RejectPayloadTooLarge
	}

	return sim.Command{
		ClientID: ctx.HostID,
		PlayerID: msg.PlayerID,
		Turn:     msg.Turn,
		Payload:  msg.Payload,
	}, true, ""
}

// WireCommand converts an accepted command back into its message form.
func WireCommand(cmd sim.Command) proto.SimulationCommand {
	return proto.SimulationCommand{
		ClientID: cmd.ClientID,
		PlayerID: cmd.PlayerID,
		Turn:     cmd.Turn,
		Payload:  cmd.Payload,
	}
}
