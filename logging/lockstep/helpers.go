package lockstep

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventCommandRejected is emitted when a simulation command fails intake validation.
	EventCommandRejected logging.EventType = "lockstep.command_rejected"
	// EventSyncError is emitted once per match when two clients disagree on a state hash.
	EventSyncError logging.EventType = "lockstep.sync_error"
	// EventRejoinStarted is emitted when a late joiner enters join syncing.
	EventRejoinStarted logging.EventType = "lockstep.rejoin_started"
	// EventRejoinCompleted is emitted when a late joiner is admitted to the match.
	EventRejoinCompleted logging.EventType = "lockstep.rejoin_completed"
	// EventTurnAuthorized is emitted when the server ends a command batch.
	EventTurnAuthorized logging.EventType = "lockstep.turn_authorized"
)

// CommandRejectedPayload names the intake rejection.
type CommandRejectedPayload struct {
	Reason   string `json:"reason"`
	PlayerID int32  `json:"playerId"`
	Turn     uint32 `json:"turn"`
}

// CommandRejected publishes a warning for a dropped simulation command.
func CommandRejected(ctx context.Context, pub logging.Publisher, turn uint32, actor logging.EntityRef, payload CommandRejectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCommandRejected,
		Turn:     turn,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLockstep,
		Payload:  payload,
	})
}

// SyncErrorPayload lists the hashes that disagreed.
type SyncErrorPayload struct {
	Expected string   `json:"expected"`
	Players  []string `json:"players"`
}

// SyncError publishes an error when an out-of-sync turn is detected.
func SyncError(ctx context.Context, pub logging.Publisher, turn uint32, targets []logging.EntityRef, payload SyncErrorPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSyncError,
		Turn:     turn,
		Actor:    logging.ServerRef(),
		Targets:  targets,
		Severity: logging.SeverityError,
		Category: logging.CategoryLockstep,
		Payload:  payload,
	})
}

// RejoinPayload describes the catch-up window of a late joiner.
type RejoinPayload struct {
	SnapshotTurn uint32 `json:"snapshotTurn"`
	AdmitTurn    uint32 `json:"admitTurn,omitempty"`
	Replayed     int    `json:"replayed,omitempty"`
}

// RejoinStarted publishes an info event when a late joiner begins syncing.
func RejoinStarted(ctx context.Context, pub logging.Publisher, turn uint32, actor logging.EntityRef, payload RejoinPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRejoinStarted,
		Turn:     turn,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLockstep,
		Payload:  payload,
	})
}

// RejoinCompleted publishes an info event when a late joiner is admitted.
func RejoinCompleted(ctx context.Context, pub logging.Publisher, turn uint32, actor logging.EntityRef, payload RejoinPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRejoinCompleted,
		Turn:     turn,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLockstep,
		Payload:  payload,
	})
}

// TurnAuthorizedPayload carries the authorized turn length.
type TurnAuthorizedPayload struct {
	TurnLength uint32 `json:"turnLength"`
	Commands   int    `json:"commands"`
}

// TurnAuthorized publishes a debug event for each batch the server ends.
func TurnAuthorized(ctx context.Context, pub logging.Publisher, turn uint32, payload TurnAuthorizedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTurnAuthorized,
		Turn:     turn,
		Actor:    logging.ServerRef(),
		Severity: logging.SeverityDebug,
		Category: logging.CategoryLockstep,
		Payload:  payload,
	})
}
