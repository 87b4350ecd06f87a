package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Inbound events.
const (
	EventJoinBoard   = "join_board"
	EventLeaveBoard  = "leave_board"
	EventCursorMove  = "cursor_move"
	EventBoardUpdate = "board_update"
	EventLoadBoard   = "load_board"
	EventPing        = "ping"
)

// Outbound events.
const (
	EventUsersList    = "users_list"
	EventUserJoined   = "user_joined"
	EventUserLeft     = "user_left"
	EventCursorMoved  = "cursor_moved"
	EventBoardUpdated = "board_updated"
	EventBoardState   = "board_state"
	EventPong         = "pong"
	EventError        = "error"
)

var (
	ErrBoardNotFound     = errors.New("board not found")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrInvalidTransition = errors.New("event not allowed in current state")
	ErrNotInRoom         = errors.New("connection is not in room")
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Participant is a connection's membership record within a room.
type Participant struct {
	ConnID string `json:"-"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Cursor Cursor `json:"cursor"`
}

// BoardState is the persisted content of a board. Objects are opaque.
type BoardState struct {
	Objects   []json.RawMessage `json:"objects"`
	Version   int64             `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Broadcaster delivers events to the members of a room.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any, exclude Connection) int
	SendTo(conn Connection, event string, payload any) error
}

// BoardStore persists board state with overwrite semantics.
// SaveBoard returns the version that was stored before the write, or 0.
type BoardStore interface {
	LoadBoard(ctx context.Context, boardID string) (BoardState, error)
	SaveBoard(ctx context.Context, boardID string, objects []json.RawMessage, version int64, updatedAt time.Time) (int64, error)
}

type Session interface {
	Handle(data []byte) error
	Disconnect()
}

type SessionHandler interface {
	Connect(conn Connection) Session
}

// Encode wraps payload into a Message frame.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Message{Type: event, Data: raw})
}
