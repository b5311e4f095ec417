package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/recall/internal/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	counterPrefix = "recall:turn:"
	streamPrefix  = "recall:turns:"
)

// RedisLog stores turn counters with INCR and turns in one stream per owner.
type RedisLog struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisLog connects to redisURL. Streams are trimmed to roughly maxLen entries.
func NewRedisLog(redisURL string, maxLen int64, logger *zap.Logger) (*RedisLog, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	logger.Info("Redis turn log connected", zap.String("addr", opts.Addr))
	return &RedisLog{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

func (l *RedisLog) NextTurn(ctx context.Context, ownerID string) (int, error) {
	n, err := l.rdb.Incr(ctx, counterPrefix+ownerID).Result()
	if err != nil {
		return 0, fmt.Errorf("incr turn counter for %s: %w", ownerID, err)
	}
	return int(n), nil
}

func (l *RedisLog) AppendTurn(ctx context.Context, turn *memory.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}

	stream := streamPrefix + turn.OwnerID
	_, err = l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("append to %s: %w", stream, err)
	}

	l.logger.Debug("appended turn",
		zap.String("owner", turn.OwnerID),
		zap.Int("turn", turn.Number))
	return nil
}

// RecentTurns reads the newest entries of the owner's stream, returned oldest first.
func (l *RedisLog) RecentTurns(ctx context.Context, ownerID string, limit int) ([]*memory.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := l.rdb.XRevRangeN(ctx, streamPrefix+ownerID, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("read turns for %s: %w", ownerID, err)
	}

	turns := make([]*memory.Turn, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var t memory.Turn
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			l.logger.Warn("skipping unreadable turn", zap.String("stream_id", msgs[i].ID), zap.Error(err))
			continue
		}
		turns = append(turns, &t)
	}
	return turns, nil
}

// Close shuts down the Redis connection.
func (l *RedisLog) Close() error {
	return l.rdb.Close()
}
