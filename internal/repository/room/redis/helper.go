package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

func (r repo) encodeTable(table room.Table) (map[string]any, error) {
	fields := make(map[string]any, len(table))
	for roomId, state := range table {
		state.RoomId = roomId
		raw, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("failed to encode room %s: %w", roomId, err)
		}

		fields[roomId] = string(raw)
	}

	return fields, nil
}

func (r repo) executePipe(ctx context.Context, pipe redis.Pipeliner) error {
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		for _, cmd := range cmds {
			if err := cmd.Err(); err != nil {
				return err
			}
		}

		return err
	}

	return nil
}
