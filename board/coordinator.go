package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shubhambandhovar/CanvasFlow-AI/domain"
)

// Result describes an accepted update.
type Result struct {
	Version         int64
	PreviousVersion int64
	Delivered       int
}

type updatedPayload struct {
	Objects []json.RawMessage `json:"objects"`
	Version int64             `json:"version"`
}

// Coordinator persists board updates and fans them out to the room.
// It is last-write-wins: no version check is made against the stored board.
// Save and broadcast for one room run under that room's board lock, so the
// last broadcast always carries the stored state. The lock is independent of
// hub membership and is never held across a client round trip.
type Coordinator struct {
	store       domain.BoardStore
	broadcaster domain.Broadcaster
	now         func() time.Time

	locks map[string]*boardLock
	mu    sync.Mutex
}

type boardLock struct {
	mu   sync.Mutex
	refs int
}

func NewCoordinator(store domain.BoardStore, b domain.Broadcaster) *Coordinator {
	return &Coordinator{
		store:       store,
		broadcaster: b,
		now:         time.Now,
		locks:       make(map[string]*boardLock),
	}
}

// lock acquires the board lock for roomID and returns its release func.
// Entries are dropped once no caller holds or waits on them.
func (c *Coordinator) lock(roomID string) func() {
	c.mu.Lock()
	l, ok := c.locks[roomID]
	if !ok {
		l = &boardLock{}
		c.locks[roomID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, roomID)
		}
		c.mu.Unlock()
	}
}

// ApplyUpdate saves objects at version and, only if that succeeds, broadcasts
// board_updated to everyone in roomID except source.
func (c *Coordinator) ApplyUpdate(ctx context.Context, roomID string, objects []json.RawMessage, version int64, source domain.Connection) (Result, error) {
	unlock := c.lock(roomID)
	defer unlock()

	previous, err := c.store.SaveBoard(ctx, roomID, objects, version, c.now())
	if err != nil {
		return Result{}, fmt.Errorf("persist board %s at version %d: %w", roomID, version, err)
	}

	if version < previous {
		slog.Warn("stale board version accepted", "room", roomID, "version", version, "previous", previous, "clientId", source.ID())
	}

	delivered := c.broadcaster.Broadcast(roomID, domain.EventBoardUpdated, updatedPayload{Objects: objects, Version: version}, source)
	slog.Debug("board updated", "room", roomID, "version", version, "recipients", delivered)

	return Result{Version: version, PreviousVersion: previous, Delivered: delivered}, nil
}

// Load returns the stored board. A board that was never saved is reported as
// empty at version 0.
func (c *Coordinator) Load(ctx context.Context, roomID string) (domain.BoardState, error) {
	state, err := c.store.LoadBoard(ctx, roomID)
	if errors.Is(err, domain.ErrBoardNotFound) {
		return domain.BoardState{Objects: []json.RawMessage{}}, nil
	}
	if err != nil {
		return domain.BoardState{}, err
	}
	if state.Objects == nil {
		state.Objects = []json.RawMessage{}
	}
	return state, nil
}
