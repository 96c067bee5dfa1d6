package protocol

// Error codes carried in system.error frames.
const (
	CodeAuthInvalid        = "AUTH_INVALID"
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeRoomFull           = "ROOM_FULL"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeRoomClosed         = "ROOM_CLOSED"
	CodeAlreadyInRoom      = "ALREADY_IN_ROOM"
	CodeNotInRoom          = "NOT_IN_ROOM"
	CodeNotYourTurn        = "NOT_YOUR_TURN"
	CodeGameNotStarted     = "GAME_NOT_STARTED"
	CodeReconnectExpired   = "RECONNECT_EXPIRED"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// NewError builds a system.error frame.
func NewError(code, message string) *ErrorFrame {
	return &ErrorFrame{Code: code, Message: message}
}

// RoomOf extracts the room correlation id from frames that carry one. Events
// consumed from the bus are routed to their audience by this id.
func RoomOf(frame Frame) string {
	switch f := frame.(type) {
	case *RoomCreated:
		return f.RoomID
	case *RoomJoined:
		return f.RoomID
	case *RoomLeft:
		return f.RoomID
	case *GameStarted:
		return f.RoomID
	case *TurnChanged:
		return f.RoomID
	case *RoundResult:
		return f.RoomID
	case *GameEnded:
		return f.RoomID
	case *StateSync:
		return f.RoomID
	case *PlayerDisconnected:
		return f.RoomID
	case *PlayerReconnected:
		return f.RoomID
	case *ChatEvent:
		return f.RoomID
	case *Ready:
		return f.RoomID
	case *Play:
		return f.RoomID
	case *ChatMessage:
		return f.RoomID
	default:
		return ""
	}
}
