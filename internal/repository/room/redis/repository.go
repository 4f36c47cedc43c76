package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

type repo struct {
	rc             *redis.Client
	tableKey       string
	expireDuration time.Duration
}

func NewRepo(rc *redis.Client, tableKey string, expireDuration time.Duration) *repo {
	return &repo{
		rc:             rc,
		tableKey:       tableKey,
		expireDuration: expireDuration,
	}
}

func (r repo) Load(ctx context.Context) (room.Table, error) {
	fields, err := r.rc.HGetAll(ctx, r.tableKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room table: %w", err)
	}

	table := make(room.Table, len(fields))
	for roomId, raw := range fields {
		var state room.State
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("%w: room %s: %w", room.ErrTableCorrupted, roomId, err)
		}

		table[roomId] = state
	}

	return table, nil
}

// Save replaces the stored table with the given one in a single transaction.
func (r repo) Save(ctx context.Context, table room.Table) error {
	fields, err := r.encodeTable(table)
	if err != nil {
		return err
	}

	pipe := r.rc.TxPipeline()
	pipe.Del(ctx, r.tableKey)
	if len(fields) > 0 {
		pipe.HSet(ctx, r.tableKey, fields)
		if r.expireDuration > 0 {
			pipe.Expire(ctx, r.tableKey, r.expireDuration)
		}
	}

	if err := r.executePipe(ctx, pipe); err != nil {
		return fmt.Errorf("failed to save room table: %w", err)
	}

	return nil
}
