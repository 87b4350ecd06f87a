package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shubhambandhovar/CanvasFlow-AI/domain"
)

// MemoryStore keeps boards in process memory. Used when no Redis is
// configured and in tests.
type MemoryStore struct {
	boards map[string]domain.BoardState
	mu     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: make(map[string]domain.BoardState)}
}

func (s *MemoryStore) LoadBoard(ctx context.Context, boardID string) (domain.BoardState, error) {
	if err := ctx.Err(); err != nil {
		return domain.BoardState{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.boards[boardID]
	if !ok {
		return domain.BoardState{}, fmt.Errorf("load %s: %w", boardID, domain.ErrBoardNotFound)
	}
	state.Objects = cloneObjects(state.Objects)
	return state, nil
}

func (s *MemoryStore) SaveBoard(ctx context.Context, boardID string, objects []json.RawMessage, version int64, updatedAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.boards[boardID].Version
	s.boards[boardID] = domain.BoardState{
		Objects:   cloneObjects(objects),
		Version:   version,
		UpdatedAt: updatedAt,
	}
	return previous, nil
}

func cloneObjects(objects []json.RawMessage) []json.RawMessage {
	if objects == nil {
		return nil
	}
	out := make([]json.RawMessage, len(objects))
	for i, o := range objects {
		out[i] = append(json.RawMessage(nil), o...)
	}
	return out
}
