package hub

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/shubhambandhovar/CanvasFlow-AI/domain"
)

type member struct {
	conn        domain.Connection
	participant domain.Participant
	seq         uint64
}

// room is guarded by its own lock. Once closed it is never reused; a join
// that finds a closed room replaces it in the table.
type room struct {
	members map[string]*member
	nextSeq uint64
	closed  bool
	mu      sync.RWMutex
}

func newRoom() *room {
	return &room{members: make(map[string]*member)}
}

// Hub is the room registry and presence store.
type Hub struct {
	rooms map[string]*room
	mu    sync.RWMutex
}

func New() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
	}
}

// acquire returns the live room for roomID, creating it if needed, with its
// write lock held.
func (h *Hub) acquire(roomID string) *room {
	for {
		h.mu.Lock()
		r, exists := h.rooms[roomID]
		if !exists {
			r = newRoom()
			h.rooms[roomID] = r
		}
		h.mu.Unlock()
		if !exists {
			slog.Info("room created", "room", roomID)
		}

		r.mu.Lock()
		if !r.closed {
			return r
		}
		r.mu.Unlock()

		h.mu.Lock()
		if h.rooms[roomID] == r {
			delete(h.rooms, roomID)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) lookup(roomID string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

// Join registers conn in roomID and returns the participants that were
// already present, in join order.
func (h *Hub) Join(roomID string, conn domain.Connection, userID, name string) []domain.Participant {
	r := h.acquire(roomID)

	others := r.snapshotLocked(conn.ID())
	r.nextSeq++
	r.members[conn.ID()] = &member{
		conn: conn,
		participant: domain.Participant{
			ConnID: conn.ID(),
			UserID: userID,
			Name:   name,
		},
		seq: r.nextSeq,
	}
	count := len(r.members)
	r.mu.Unlock()

	slog.Info("participant joined", "room", roomID, "clientId", conn.ID(), "userId", userID, "clients", count)
	return others
}

// UpdateCursor reports false if connID is not a member of roomID.
func (h *Hub) UpdateCursor(roomID, connID string, cursor domain.Cursor) (domain.Participant, bool) {
	r := h.lookup(roomID)
	if r == nil {
		return domain.Participant{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return domain.Participant{}, false
	}
	m.participant.Cursor = cursor
	return m.participant, true
}

// Leave removes connID from roomID. The room is dropped from the registry
// when its last member leaves. Calling Leave again reports false.
func (h *Hub) Leave(roomID, connID string) (domain.Participant, bool) {
	r := h.lookup(roomID)
	if r == nil {
		return domain.Participant{}, false
	}

	r.mu.Lock()
	m, ok := r.members[connID]
	if !ok {
		r.mu.Unlock()
		return domain.Participant{}, false
	}
	delete(r.members, connID)
	count := len(r.members)
	if count == 0 {
		r.closed = true
	}
	r.mu.Unlock()

	slog.Info("participant left", "room", roomID, "clientId", connID, "userId", m.participant.UserID, "clients", count)

	if count == 0 {
		h.mu.Lock()
		if h.rooms[roomID] == r {
			delete(h.rooms, roomID)
		}
		h.mu.Unlock()
		slog.Info("room removed", "room", roomID)
	}
	return m.participant, true
}

func (h *Hub) Snapshot(roomID string) []domain.Participant {
	r := h.lookup(roomID)
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked("")
}

func (h *Hub) HasRoom(roomID string) bool {
	r := h.lookup(roomID)
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, r := range h.rooms {
		r.mu.RLock()
		if !r.closed {
			rooms++
			clients += len(r.members)
		}
		r.mu.RUnlock()
	}
	return rooms, clients
}

func (r *room) snapshotLocked(excludeID string) []domain.Participant {
	ordered := make([]*member, 0, len(r.members))
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	out := make([]domain.Participant, len(ordered))
	for i, m := range ordered {
		out[i] = m.participant
	}
	return out
}

func (r *room) recipients(excludeID string) []domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]domain.Connection, 0, len(r.members))
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		conns = append(conns, m.conn)
	}
	return conns
}
