// Package proto defines the lockstep session messages and their binary codec.
package proto

// ProtocolVersion tracks the wire-protocol revision expected by peers.
const ProtocolVersion uint32 = 1

// Handshake capability flags announced by the server.
const (
	// FlagRequireLobbyAuth means the session must be approved by the lobby
	// before it may authenticate.
	FlagRequireLobbyAuth uint32 = 1 << iota
)

// MessageType prefixes every encoded message.
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypeHandshake
	TypeHandshakeResponse
	TypeAuthenticate
	TypeAuthenticateResult
	TypeGameSetup
	TypeAssignPlayer
	TypePlayerAssignment
	TypeReady
	TypeClearAllReady
	TypeGameStart
	TypeLoadedGame
	TypeSimulationCommand
	TypeEndCommandBatch
	TypeSyncCheck
	TypeSyncError
	TypeChat
	TypeClientPaused
	TypeKick
	TypeKicked
	TypeRejoined
	TypeClientsLoading
	TypeClientTimeout
	TypeClientPerformance
	TypeJoinSyncStart
	TypeFileTransferRequest
	TypeFileTransferResponse
	TypeFileTransferData
	TypeFileTransferAck
	TypeDisconnect

	typeCount
)

var typeNames = [...]string{
	TypeInvalid:              "invalid",
	TypeHandshake:            "handshake",
	TypeHandshakeResponse:    "handshake_response",
	TypeAuthenticate:         "authenticate",
	TypeAuthenticateResult:   "authenticate_result",
	TypeGameSetup:            "game_setup",
	TypeAssignPlayer:         "assign_player",
	TypePlayerAssignment:     "player_assignment",
	TypeReady:                "ready",
	TypeClearAllReady:        "clear_all_ready",
	TypeGameStart:            "game_start",
	TypeLoadedGame:           "loaded_game",
	TypeSimulationCommand:    "simulation_command",
	TypeEndCommandBatch:      "end_command_batch",
	TypeSyncCheck:            "sync_check",
	TypeSyncError:            "sync_error",
	TypeChat:                 "chat",
	TypeClientPaused:         "client_paused",
	TypeKick:                 "kick",
	TypeKicked:               "kicked",
	TypeRejoined:             "rejoined",
	TypeClientsLoading:       "clients_loading",
	TypeClientTimeout:        "client_timeout",
	TypeClientPerformance:    "client_performance",
	TypeJoinSyncStart:        "join_sync_start",
	TypeFileTransferRequest:  "file_transfer_request",
	TypeFileTransferResponse: "file_transfer_response",
	TypeFileTransferData:     "file_transfer_data",
	TypeFileTransferAck:      "file_transfer_ack",
	TypeDisconnect:           "disconnect",
}

func (t MessageType) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return "unknown"
}

// Message is implemented by every session message.
type Message interface {
	Type() MessageType
}

// ReadyStatus is a player's readiness during game setup.
type ReadyStatus uint8

const (
	NotReady ReadyStatus = iota
	Ready
	StayReady
)

// AuthenticateCode is the outcome carried by AuthenticateResult.
type AuthenticateCode uint8

const (
	AuthOK AuthenticateCode = iota
	AuthOKRejoining
)

type Handshake struct {
	ProtocolVersion uint32 `msgpack:"protocol"`
	SoftwareVersion string `msgpack:"software"`
}

type HandshakeResponse struct {
	ProtocolVersion uint32 `msgpack:"protocol"`
	Flags           uint32 `msgpack:"flags"`
	GUID            string `msgpack:"guid"`
}

// Authenticate carries the joiner's credentials. RejoinGUID lets a returning
// peer reclaim the identity it had before disconnecting.
type Authenticate struct {
	Name             string `msgpack:"name"`
	Password         string `msgpack:"password,omitempty"`
	ControllerSecret string `msgpack:"controller,omitempty"`
	RejoinGUID       string `msgpack:"rejoin,omitempty"`
}

type AuthenticateResult struct {
	Code         AuthenticateCode `msgpack:"code"`
	HostID       uint32           `msgpack:"host"`
	GUID         string           `msgpack:"guid"`
	Name         string           `msgpack:"name"`
	IsController bool             `msgpack:"controller"`
	Message      string           `msgpack:"message,omitempty"`
}

// GameSetup carries the opaque setup document.
type GameSetup struct {
	Attributes []byte `msgpack:"attributes"`
}

type AssignPlayer struct {
	PlayerID int32  `msgpack:"player"`
	GUID     string `msgpack:"guid"`
}

// Assignment is one roster entry of PlayerAssignment.
type Assignment struct {
	GUID     string      `msgpack:"guid"`
	Name     string      `msgpack:"name"`
	PlayerID int32       `msgpack:"player"`
	Status   ReadyStatus `msgpack:"status"`
	Enabled  bool        `msgpack:"enabled"`
}

// PlayerAssignment replaces the whole roster on every broadcast.
type PlayerAssignment struct {
	Assignments []Assignment `msgpack:"assignments"`
}

type ReadyMessage struct {
	GUID   string      `msgpack:"guid,omitempty"`
	Status ReadyStatus `msgpack:"status"`
}

type ClearAllReady struct{}

// GameStart freezes the init attributes of a match.
type GameStart struct {
	Attributes []byte `msgpack:"attributes"`
}

// LoadedGame signals readiness to play. For rejoiners CurrentTurn is the
// turn the peer has caught up to.
type LoadedGame struct {
	CurrentTurn uint32 `msgpack:"turn"`
}

type SimulationCommand struct {
	ClientID uint32 `msgpack:"client"`
	PlayerID int32  `msgpack:"player"`
	Turn     uint32 `msgpack:"turn"`
	Payload  []byte `msgpack:"payload"`
}

// EndCommandBatch from the server authorizes a turn; from a client it
// reports that the client finished sending commands for that turn.
type EndCommandBatch struct {
	Turn       uint32 `msgpack:"turn"`
	TurnLength uint32 `msgpack:"length"`
}

type SyncCheck struct {
	Turn uint32 `msgpack:"turn"`
	Hash []byte `msgpack:"hash"`
}

type SyncError struct {
	Turn         uint32   `msgpack:"turn"`
	ExpectedHash []byte   `msgpack:"expected"`
	Players      []string `msgpack:"players"`
}

type Chat struct {
	GUID string `msgpack:"guid,omitempty"`
	Text string `msgpack:"text"`
}

type ClientPaused struct {
	GUID   string `msgpack:"guid,omitempty"`
	Paused bool   `msgpack:"paused"`
}

// Kick is a controller request to remove a named peer.
type Kick struct {
	Name string `msgpack:"name"`
	Ban  bool   `msgpack:"ban"`
}

type Kicked struct {
	Name string `msgpack:"name"`
	Ban  bool   `msgpack:"ban"`
}

type Rejoined struct {
	GUID string `msgpack:"guid"`
}

type ClientsLoading struct {
	GUIDs []string `msgpack:"guids"`
}

type ClientTimeout struct {
	GUID               string `msgpack:"guid"`
	LastReceivedMillis uint32 `msgpack:"last"`
}

type ClientPerformance struct {
	GUID          string `msgpack:"guid"`
	MeanRTTMillis uint32 `msgpack:"rtt"`
}

// JoinSyncStart precedes the snapshot transfer to a rejoining peer.
type JoinSyncStart struct {
	Attributes []byte `msgpack:"attributes"`
}

type FileTransferRequest struct {
	RequestID uint32 `msgpack:"request"`
}

type FileTransferResponse struct {
	RequestID uint32 `msgpack:"request"`
	Length    uint64 `msgpack:"length"`
	Checksum  []byte `msgpack:"checksum"`
}

type FileTransferData struct {
	RequestID uint32 `msgpack:"request"`
	Data      []byte `msgpack:"data"`
}

type FileTransferAck struct {
	RequestID  uint32 `msgpack:"request"`
	NumPackets uint32 `msgpack:"packets"`
}

// Disconnect is the last message a server sends before closing a session.
type Disconnect struct {
	Reason DisconnectReason `msgpack:"reason"`
}

func (Handshake) Type() MessageType            { return TypeHandshake }
func (HandshakeResponse) Type() MessageType    { return TypeHandshakeResponse }
func (Authenticate) Type() MessageType         { return TypeAuthenticate }
func (AuthenticateResult) Type() MessageType   { return TypeAuthenticateResult }
func (GameSetup) Type() MessageType            { return TypeGameSetup }
func (AssignPlayer) Type() MessageType         { return TypeAssignPlayer }
func (PlayerAssignment) Type() MessageType     { return TypePlayerAssignment }
func (ReadyMessage) Type() MessageType         { return TypeReady }
func (ClearAllReady) Type() MessageType        { return TypeClearAllReady }
func (GameStart) Type() MessageType            { return TypeGameStart }
func (LoadedGame) Type() MessageType           { return TypeLoadedGame }
func (SimulationCommand) Type() MessageType    { return TypeSimulationCommand }
func (EndCommandBatch) Type() MessageType      { return TypeEndCommandBatch }
func (SyncCheck) Type() MessageType            { return TypeSyncCheck }
func (SyncError) Type() MessageType            { return TypeSyncError }
func (Chat) Type() MessageType                 { return TypeChat }
func (ClientPaused) Type() MessageType         { return TypeClientPaused }
func (Kick) Type() MessageType                 { return TypeKick }
func (Kicked) Type() MessageType               { return TypeKicked }
func (Rejoined) Type() MessageType             { return TypeRejoined }
func (ClientsLoading) Type() MessageType       { return TypeClientsLoading }
func (ClientTimeout) Type() MessageType        { return TypeClientTimeout }
func (ClientPerformance) Type() MessageType    { return TypeClientPerformance }
func (JoinSyncStart) Type() MessageType        { return TypeJoinSyncStart }
func (FileTransferRequest) Type() MessageType  { return TypeFileTransferRequest }
func (FileTransferResponse) Type() MessageType { return TypeFileTransferResponse }
func (FileTransferData) Type() MessageType     { return TypeFileTransferData }
func (FileTransferAck) Type() MessageType      { return TypeFileTransferAck }
func (Disconnect) Type() MessageType           { return TypeDisconnect }
