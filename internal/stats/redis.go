package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisCurrentKey = "duet:stats:current"
	redisHistoryKey = "duet:stats:history"
	redisHistoryLen = 1440
)

// RedisRecorder keeps the latest snapshot in a hash and a capped history list
type RedisRecorder struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisRecorder(rdb *redis.Client, ttl time.Duration) *RedisRecorder {
	return &RedisRecorder{rdb: rdb, ttl: ttl}
}

func (r *RedisRecorder) Record(ctx context.Context, snap Snapshot) error {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, redisCurrentKey, map[string]interface{}{
		"timestamp":      snap.Timestamp.Format(time.RFC3339),
		"sessions":       snap.Sessions,
		"waiting":        snap.Waiting,
		"pair_rooms":     snap.PairRooms,
		"group_rooms":    snap.GroupRooms,
		"group_members":  snap.GroupMembers,
		"events_relayed": snap.EventsRelayed,
	})
	pipe.Expire(ctx, redisCurrentKey, r.ttl)
	pipe.LPush(ctx, redisHistoryKey, encoded)
	pipe.LTrim(ctx, redisHistoryKey, 0, redisHistoryLen-1)
	pipe.Expire(ctx, redisHistoryKey, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

func (r *RedisRecorder) Close(context.Context) error {
	return r.rdb.Close()
}

// Recent returns the latest snapshots, newest first
func (r *RedisRecorder) Recent(ctx context.Context, limit int64) ([]Snapshot, error) {
	raw, err := r.rdb.LRange(ctx, redisHistoryKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]Snapshot, 0, len(raw))
	for _, item := range raw {
		var snap Snapshot
		if err := json.Unmarshal([]byte(item), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}
