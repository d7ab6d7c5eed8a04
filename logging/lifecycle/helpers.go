package lifecycle

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventSessionJoined is emitted when a session finishes authentication.
	EventSessionJoined logging.EventType = "lifecycle.session_joined"
	// EventMatchStarted is emitted when the controller starts the match.
	EventMatchStarted logging.EventType = "lifecycle.match_started"
	// EventMatchLoaded is emitted once every session finished loading.
	EventMatchLoaded logging.EventType = "lifecycle.match_loaded"
)

// SessionJoinedPayload captures the identity granted to a new session.
type SessionJoinedPayload struct {
	Name       string `json:"name"`
	PlayerID   int32  `json:"playerId"`
	Controller bool   `json:"controller,omitempty"`
	Rejoining  bool   `json:"rejoining,omitempty"`
}

// MatchPayload describes the population of a match.
type MatchPayload struct {
	Sessions  int `json:"sessions"`
	Observers int `json:"observers"`
}

// SessionJoined publishes a session join event.
func SessionJoined(ctx context.Context, pub logging.Publisher, turn uint32, actor logging.EntityRef, payload SessionJoinedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionJoined,
		Turn:     turn,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
	})
}

// MatchStarted publishes the start of a match.
func MatchStarted(ctx context.Context, pub logging.Publisher, payload MatchPayload) {
	publishMatch(ctx, pub, EventMatchStarted, 0, payload)
}

// MatchLoaded publishes the transition of the match into play.
func MatchLoaded(ctx context.Context, pub logging.Publisher, payload MatchPayload) {
	publishMatch(ctx, pub, EventMatchLoaded, 0, payload)
}

func publishMatch(ctx context.Context, pub logging.Publisher, eventType logging.EventType, turn uint32, payload MatchPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Turn:     turn,
		Actor:    logging.ServerRef(),
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
	})
}
