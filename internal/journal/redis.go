package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream = "cronkeeper:executions"
	countsTTL     = 8 * 24 * time.Hour
)

// RedisSink appends entries to a stream and keeps per-day outcome counters
// in a hash next to it.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func OpenRedis(ctx context.Context, cfg Config) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Addr),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("journal redis ping: %w", err)
	}
	return NewRedisSink(client, cfg.Stream, cfg.MaxLen), nil
}

func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if strings.TrimSpace(stream) == "" {
		stream = defaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, e Entry) error {
	pipe := s.client.Pipeline()
	pipe.XAdd(ctx, s.xaddArgs(e))
	key := countsKey(s.stream, e.FinishedAt)
	pipe.HIncrBy(ctx, key, e.Status, 1)
	pipe.Expire(ctx, key, countsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (s *RedisSink) xaddArgs(e Entry) *redis.XAddArgs {
	body, _ := json.Marshal(e)
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"fire_id": e.FireID,
			"trigger": e.Trigger,
			"status":  e.Status,
			"entry":   string(body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args
}

func countsKey(stream string, t time.Time) string {
	return stream + ":counts:" + t.UTC().Format("20060102")
}

func (s *RedisSink) Close() error { return s.client.Close() }
