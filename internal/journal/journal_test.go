package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/domain"
	"cronkeeper/internal/eventbus"
	logx "cronkeeper/pkg/logx"
)

func completion(status domain.CompletionStatus, err error) domain.Completion {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.Completion{
		Record: domain.FireRecord{
			ID:          "fire-1",
			TriggerKey:  domain.NewKey("nightly", "billing"),
			WorkKey:     domain.NewKey("report", "billing"),
			WorkKind:    "log",
			ScheduledAt: at,
			FiredAt:     at.Add(20 * time.Millisecond),
		},
		Status:     status,
		Err:        err,
		FinishedAt: at.Add(1520 * time.Millisecond),
	}
}

func TestFromCompletion(t *testing.T) {
	e := FromCompletion(completion(domain.CompletionFailed, errors.New("boom")))
	assert.Equal(t, "billing.nightly", e.Trigger)
	assert.Equal(t, "billing.report", e.Work)
	assert.Equal(t, "failed", e.Status)
	assert.Equal(t, int64(1500), e.DurationMS)
	assert.Equal(t, "boom", e.Error)

	vetoed := completion(domain.CompletionVetoed, nil)
	vetoed.Record.FiredAt = time.Time{}
	b, err := json.Marshal(FromCompletion(vetoed))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "fired_at")
}

func TestFileSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.jsonl")
	s, err := OpenFile(path, logx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, FromCompletion(completion(domain.CompletionSucceeded, nil))))
	require.NoError(t, s.Write(ctx, FromCompletion(completion(domain.CompletionFailed, errors.New("x")))))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(ctx, Entry{}), os.ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var got []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "succeeded", got[0].Status)
	assert.Equal(t, "x", got[1].Error)
}

type memSink struct {
	mu  sync.Mutex
	got []Entry
}

func (m *memSink) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.got = append(m.got, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestJournalObservesExecutions(t *testing.T) {
	bus := eventbus.New(logx.Nop())
	defer bus.Close()
	sink := &memSink{}
	j := New(sink, logx.Nop())
	stop := j.Observe(bus)
	defer stop()

	c := completion(domain.CompletionSucceeded, nil)
	bus.Publish(eventbus.Event{Type: eventbus.TriggerFired, Trigger: c.Record.TriggerKey})
	bus.Publish(eventbus.Event{Type: eventbus.JobWasExecuted, Trigger: c.Record.TriggerKey, Completion: &c})

	require.Eventually(t, func() bool { return sink.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "fire-1", sink.got[0].FireID)
}

func TestRedisArgs(t *testing.T) {
	s := NewRedisSink(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", 1000)
	defer s.Close()
	args := s.xaddArgs(FromCompletion(completion(domain.CompletionSucceeded, nil)))
	assert.Equal(t, defaultStream, args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)
	values, ok := args.Values.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "billing.nightly", values["trigger"])
	assert.Equal(t, "cronkeeper:executions:counts:20240501", countsKey(defaultStream, time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)))
}

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("CRONKEEPER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CRONKEEPER_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	stream := "cronkeeper:test:" + time.Now().Format("150405.000000")
	s, err := OpenRedis(ctx, Config{Addr: addr, Stream: stream, MaxLen: 10})
	require.NoError(t, err)
	defer s.Close()
	defer s.client.Del(ctx, stream, countsKey(stream, completion(0, nil).FinishedAt))

	require.NoError(t, s.Write(ctx, FromCompletion(completion(domain.CompletionSucceeded, nil))))
	n, err := s.client.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	count, err := s.client.HGet(ctx, countsKey(stream, completion(0, nil).FinishedAt), "succeeded").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
