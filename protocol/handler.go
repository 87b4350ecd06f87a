package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shubhambandhovar/CanvasFlow-AI/board"
	"github.com/shubhambandhovar/CanvasFlow-AI/domain"
)

// Rooms is the presence side of the hub.
type Rooms interface {
	domain.Broadcaster
	Join(roomID string, conn domain.Connection, userID, name string) []domain.Participant
	UpdateCursor(roomID, connID string, cursor domain.Cursor) (domain.Participant, bool)
	Leave(roomID, connID string) (domain.Participant, bool)
}

// BoardSync is the board side: persist-then-broadcast and reads.
type BoardSync interface {
	ApplyUpdate(ctx context.Context, roomID string, objects []json.RawMessage, version int64, source domain.Connection) (board.Result, error)
	Load(ctx context.Context, roomID string) (domain.BoardState, error)
}

type Handler struct {
	rooms  Rooms
	boards BoardSync
}

func NewHandler(rooms Rooms, boards BoardSync) *Handler {
	return &Handler{rooms: rooms, boards: boards}
}

// Connect starts a session for conn in the connected state.
func (h *Handler) Connect(conn domain.Connection) domain.Session {
	return h.NewSession(conn)
}

func (h *Handler) NewSession(conn domain.Connection) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	slog.Debug("session connected", "clientId", conn.ID())
	return &Session{
		h:      h,
		conn:   conn,
		state:  StateConnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Session is the per-connection state machine. Events for one connection are
// applied one at a time.
type Session struct {
	h    *Handler
	conn domain.Connection

	mu     sync.Mutex
	state  State
	roomID string

	ctx    context.Context
	cancel context.CancelFunc
}

type joinPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type cursorPayload struct {
	RoomID string         `json:"room_id"`
	Cursor *domain.Cursor `json:"cursor"`
}

type updatePayload struct {
	RoomID  string            `json:"room_id"`
	Objects []json.RawMessage `json:"objects"`
	Version *int64            `json:"version"`
}

type roomPayload struct {
	RoomID string `json:"room_id"`
}

type pingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type usersList struct {
	Users []domain.Participant `json:"users"`
}

type cursorMoved struct {
	UserID string        `json:"user_id"`
	Cursor domain.Cursor `json:"cursor"`
}

type boardState struct {
	Objects []json.RawMessage `json:"objects"`
	Version int64             `json:"version"`
}

type errorPayload struct {
	Event   string `json:"event"`
	RoomID  string `json:"room_id,omitempty"`
	Version int64  `json:"version"`
	Message string `json:"message"`
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Handle decodes one inbound frame and applies it. Rejected frames change
// nothing; the returned error is informational.
func (s *Session) Handle(data []byte) error {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "clientId", s.conn.ID(), "error", err)
		return fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !allowed(s.state, msg.Type) {
		slog.Warn("event rejected", "clientId", s.conn.ID(), "event", msg.Type, "state", s.state)
		return fmt.Errorf("%w: %s in %s", domain.ErrInvalidTransition, msg.Type, s.state)
	}

	var err error
	switch msg.Type {
	case domain.EventJoinBoard:
		err = s.join(msg.Data)
	case domain.EventLeaveBoard:
		err = s.leaveBoard(msg.Data)
	case domain.EventCursorMove:
		err = s.cursorMove(msg.Data)
	case domain.EventBoardUpdate:
		err = s.boardUpdate(msg.Data)
	case domain.EventLoadBoard:
		err = s.loadBoard(msg.Data)
	case domain.EventPing:
		err = s.ping(msg.Data)
	}

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotInRoom):
		slog.Debug("membership miss", "clientId", s.conn.ID(), "event", msg.Type, "error", err)
	default:
		slog.Warn("event failed", "clientId", s.conn.ID(), "event", msg.Type, "error", err)
	}
	return err
}

// Disconnect leaves the current room, if any, and ends the session. Further
// calls are no-ops.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return
	}
	if s.state == StateJoined {
		s.leave()
	}
	s.state = StateDisconnected
	s.cancel()
	slog.Debug("session disconnected", "clientId", s.conn.ID())
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", domain.ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	return nil
}

func (s *Session) join(raw json.RawMessage) error {
	var p joinPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.RoomID == "" || p.UserID == "" || p.Name == "" {
		return fmt.Errorf("%w: join_board requires room_id, user_id and name", domain.ErrMalformedEvent)
	}

	if s.state == StateJoined && s.roomID != p.RoomID {
		s.leave()
	}

	others := s.h.rooms.Join(p.RoomID, s.conn, p.UserID, p.Name)
	s.state = StateJoined
	s.roomID = p.RoomID

	if others == nil {
		others = []domain.Participant{}
	}
	if err := s.h.rooms.SendTo(s.conn, domain.EventUsersList, usersList{Users: others}); err != nil {
		slog.Warn("users list not delivered", "room", p.RoomID, "clientId", s.conn.ID(), "error", err)
	}
	s.h.rooms.Broadcast(p.RoomID, domain.EventUserJoined, identity{UserID: p.UserID, Name: p.Name}, s.conn)
	return nil
}

// leave must be called with s.mu held and s.state == StateJoined.
func (s *Session) leave() {
	roomID := s.roomID
	s.state = StateConnected
	s.roomID = ""

	p, ok := s.h.rooms.Leave(roomID, s.conn.ID())
	if !ok {
		return
	}
	s.h.rooms.Broadcast(roomID, domain.EventUserLeft, identity{UserID: p.UserID, Name: p.Name}, s.conn)
}

func (s *Session) checkRoom(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: missing room_id", domain.ErrMalformedEvent)
	}
	if roomID != s.roomID {
		return fmt.Errorf("%w: %s", domain.ErrNotInRoom, roomID)
	}
	return nil
}

func (s *Session) leaveBoard(raw json.RawMessage) error {
	var p roomPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := s.checkRoom(p.RoomID); err != nil {
		return err
	}
	s.leave()
	return nil
}

func (s *Session) cursorMove(raw json.RawMessage) error {
	var p cursorPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.Cursor == nil {
		return fmt.Errorf("%w: missing cursor", domain.ErrMalformedEvent)
	}
	if err := s.checkRoom(p.RoomID); err != nil {
		return err
	}

	participant, ok := s.h.rooms.UpdateCursor(p.RoomID, s.conn.ID(), *p.Cursor)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotInRoom, p.RoomID)
	}
	s.h.rooms.Broadcast(p.RoomID, domain.EventCursorMoved, cursorMoved{UserID: participant.UserID, Cursor: participant.Cursor}, s.conn)
	return nil
}

func (s *Session) boardUpdate(raw json.RawMessage) error {
	var p updatePayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.Objects == nil || p.Version == nil {
		return fmt.Errorf("%w: board_update requires objects and version", domain.ErrMalformedEvent)
	}
	if err := s.checkRoom(p.RoomID); err != nil {
		return err
	}

	if _, err := s.h.boards.ApplyUpdate(s.ctx, p.RoomID, p.Objects, *p.Version, s.conn); err != nil {
		notice := errorPayload{
			Event:   domain.EventBoardUpdate,
			RoomID:  p.RoomID,
			Version: *p.Version,
			Message: "board update was not saved",
		}
		if sendErr := s.h.rooms.SendTo(s.conn, domain.EventError, notice); sendErr != nil {
			slog.Warn("error notice not delivered", "clientId", s.conn.ID(), "error", sendErr)
		}
		return err
	}
	return nil
}

func (s *Session) loadBoard(raw json.RawMessage) error {
	var p roomPayload
	if err := decode(raw, &p); err != nil {
		return err
	}
	if err := s.checkRoom(p.RoomID); err != nil {
		return err
	}

	state, err := s.h.boards.Load(s.ctx, p.RoomID)
	if err != nil {
		notice := errorPayload{Event: domain.EventLoadBoard, RoomID: p.RoomID, Message: "board could not be loaded"}
		if sendErr := s.h.rooms.SendTo(s.conn, domain.EventError, notice); sendErr != nil {
			slog.Warn("error notice not delivered", "clientId", s.conn.ID(), "error", sendErr)
		}
		return fmt.Errorf("load board %s: %w", p.RoomID, err)
	}
	return s.h.rooms.SendTo(s.conn, domain.EventBoardState, boardState{Objects: state.Objects, Version: state.Version})
}

func (s *Session) ping(raw json.RawMessage) error {
	var p pingPayload
	if len(raw) > 0 {
		if err := decode(raw, &p); err != nil {
			return err
		}
	}
	return s.h.rooms.SendTo(s.conn, domain.EventPong, p)
}
