package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shubhambandhovar/CanvasFlow-AI/domain"
)

const keyPrefix = "board:"

// RedisStore keeps each board as one JSON document under board:<id>.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) LoadBoard(ctx context.Context, boardID string) (domain.BoardState, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+boardID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BoardState{}, fmt.Errorf("load %s: %w", boardID, domain.ErrBoardNotFound)
	}
	if err != nil {
		return domain.BoardState{}, fmt.Errorf("load %s: %w", boardID, err)
	}

	var state domain.BoardState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.BoardState{}, fmt.Errorf("decode %s: %w", boardID, err)
	}
	return state, nil
}

// SaveBoard overwrites the board and reads the replaced document in the same
// SET ... GET command.
func (s *RedisStore) SaveBoard(ctx context.Context, boardID string, objects []json.RawMessage, version int64, updatedAt time.Time) (int64, error) {
	doc, err := json.Marshal(domain.BoardState{
		Objects:   objects,
		Version:   version,
		UpdatedAt: updatedAt.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", boardID, err)
	}

	old, err := s.rdb.SetArgs(ctx, keyPrefix+boardID, doc, redis.SetArgs{Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("save %s: %w", boardID, err)
	}

	var previous domain.BoardState
	if err := json.Unmarshal([]byte(old), &previous); err != nil {
		// The write went through; only the previous version is unknown.
		slog.Warn("replaced board document unreadable", "board", boardID, "error", err)
		return 0, nil
	}
	return previous.Version, nil
}
