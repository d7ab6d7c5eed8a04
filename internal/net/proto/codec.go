package proto

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrUnknownMessage indicates a type byte with no registered message.
	ErrUnknownMessage = errors.New("proto: unknown message type")
	// ErrShortMessage indicates a frame too short to carry a type byte.
	ErrShortMessage = errors.New("proto: short message")
)

// Encode renders msg as a type byte followed by its msgpack body.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil", ErrUnknownMessage)
	}
	typ := msg.Type()
	if typ == TypeInvalid || typ >= typeCount {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, typ)
	}
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("proto: encode %s: %w", typ, err)
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, byte(typ))
	return append(frame, body...), nil
}

// Decode parses a frame produced by Encode. Decoded messages are values, not
// pointers.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 1 {
		return nil, ErrShortMessage
	}
	typ := MessageType(frame[0])
	body := frame[1:]
	switch typ {
	case TypeHandshake:
		return decodeAs[Handshake](typ, body)
	case TypeHandshakeResponse:
		return decodeAs[HandshakeResponse](typ, body)
	case TypeAuthenticate:
		return decodeAs[Authenticate](typ, body)
	case TypeAuthenticateResult:
		return decodeAs[AuthenticateResult](typ, body)
	case TypeGameSetup:
		return decodeAs[GameSetup](typ, body)
	case TypeAssignPlayer:
		return decodeAs[AssignPlayer](typ, body)
	case TypePlayerAssignment:
		return decodeAs[PlayerAssignment](typ, body)
	case TypeReady:
		return decodeAs[ReadyMessage](typ, body)
	case TypeClearAllReady:
		return decodeAs[ClearAllReady](typ, body)
	case TypeGameStart:
		return decodeAs[GameStart](typ, body)
	case TypeLoadedGame:
		return decodeAs[LoadedGame](typ, body)
	case TypeSimulationCommand:
		return decodeAs[SimulationCommand](typ, body)
	case TypeEndCommandBatch:
		return decodeAs[EndCommandBatch](typ, body)
	case TypeSyncCheck:
		return decodeAs[SyncCheck](typ, body)
	case TypeSyncError:
		return decodeAs[SyncError](typ, body)
	case TypeChat:
		return decodeAs[Chat](typ, body)
	case TypeClientPaused:
		return decodeAs[ClientPaused](typ, body)
	case TypeKick:
		return decodeAs[Kick](typ, body)
	case TypeKicked:
		return decodeAs[Kicked](typ, body)
	case TypeRejoined:
		return decodeAs[Rejoined](typ, body)
	case TypeClientsLoading:
		return decodeAs[ClientsLoading](typ, body)
	case TypeClientTimeout:
		return decodeAs[ClientTimeout](typ, body)
	case TypeClientPerformance:
		return decodeAs[ClientPerformance](typ, body)
	case TypeJoinSyncStart:
		return decodeAs[JoinSyncStart](typ, body)
	case TypeFileTransferRequest:
		return decodeAs[FileTransferRequest](typ, body)
	case TypeFileTransferResponse:
		return decodeAs[FileTransferResponse](typ, body)
	case TypeFileTransferData:
		return decodeAs[FileTransferData](typ, body)
	case TypeFileTransferAck:
		return decodeAs[FileTransferAck](typ, body)
	case TypeDisconnect:
		return decodeAs[Disconnect](typ, body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, typ)
	}
}

func decodeAs[T Message](typ MessageType, body []byte) (Message, error) {
	var msg T
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("proto: decode %s: %w", typ, err)
	}
	return msg, nil
}
