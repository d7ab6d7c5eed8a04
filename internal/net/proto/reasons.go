package proto

// DisconnectReason explains why the server closed a session.
type DisconnectReason uint8

const (
	ReasonUnknown DisconnectReason = iota
	ReasonUnexpectedShutdown
	ReasonIncorrectProtocolVersion
	ReasonServerLoading
	ReasonServerAlreadyInGame
	ReasonKicked
	ReasonBanned
	ReasonPlayernameInUse
	ReasonServerFull
	ReasonLobbyAuthFailed
	ReasonGUIDInUse
	ReasonIncorrectReadyTurnCommands
	ReasonIncorrectReadyTurnSimulated
	ReasonInvalidPassword
	ReasonProtocolError
	ReasonConnectionLost
)

var reasonNames = map[DisconnectReason]string{
	ReasonUnknown:                     "unknown",
	ReasonUnexpectedShutdown:          "unexpected_shutdown",
	ReasonIncorrectProtocolVersion:    "incorrect_protocol_version",
	ReasonServerLoading:               "server_loading",
	ReasonServerAlreadyInGame:         "server_already_in_game",
	ReasonKicked:                      "kicked",
	ReasonBanned:                      "banned",
	ReasonPlayernameInUse:             "playername_in_use",
	ReasonServerFull:                  "server_full",
	ReasonLobbyAuthFailed:             "lobby_auth_failed",
	ReasonGUIDInUse:                   "guid_in_use",
	ReasonIncorrectReadyTurnCommands:  "incorrect_ready_turn_commands",
	ReasonIncorrectReadyTurnSimulated: "incorrect_ready_turn_simulated",
	ReasonInvalidPassword:             "invalid_password",
	ReasonProtocolError:               "protocol_error",
	ReasonConnectionLost:              "connection_lost",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// DisconnectError carries a reason through error returns.
type DisconnectError struct {
	Reason DisconnectReason
}

func (e *DisconnectError) Error() string {
	return "proto: disconnected: " + e.Reason.String()
}
