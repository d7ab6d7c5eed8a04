package network

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventProtocolViolation is emitted when a session is dropped for sending a
	// message the protocol forbids in its state.
	EventProtocolViolation logging.EventType = "network.protocol_violation"
	// EventClientTimeout is emitted when the liveness sweep finds a silent session.
	EventClientTimeout logging.EventType = "network.client_timeout"
	// EventPoorConnection is emitted when a session's mean round trip exceeds the threshold.
	EventPoorConnection logging.EventType = "network.poor_connection"
	// EventSessionDisconnected is emitted when a session leaves for any reason.
	EventSessionDisconnected logging.EventType = "network.session_disconnected"
)

// ProtocolViolationPayload captures the offending message and the reason code sent back.
type ProtocolViolationPayload struct {
	State   string `json:"state"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ProtocolViolation publishes a warning when a session breaks the protocol.
func ProtocolViolation(ctx context.Context, pub logging.Publisher, turn uint32, actor logging.EntityRef, payload ProtocolViolationPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventProtocolViolation,
		Turn:     turn,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// TimeoutPayload describes how long a session has been silent.
type TimeoutPayload struct {
	LastReceivedMillis int64 `json:"lastReceivedMillis"`
}

// ClientTimeout publishes a warning for a silent session.
func ClientTimeout(ctx context.Context, pub logging.Publisher, turn uint32, actor logging.EntityRef, payload TimeoutPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventClientTimeout,
		Turn:     turn,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// PerformancePayload captures the mean round trip of a lagging session.
type PerformancePayload struct {
	MeanRTTMillis int64 `json:"meanRttMillis"`
}

// PoorConnection publishes a debug event for a lagging session.
func PoorConnection(ctx context.Context, pub logging.Publisher, turn uint32, actor logging.EntityRef, payload PerformancePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPoorConnection,
		Turn:     turn,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// DisconnectPayload records why a session left and the FSM state it was in.
type DisconnectPayload struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// SessionDisconnected publishes an info event when a session is removed.
func SessionDisconnected(ctx context.Context, pub logging.Publisher, turn uint32, actor logging.EntityRef, payload DisconnectPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionDisconnected,
		Turn:     turn,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}
