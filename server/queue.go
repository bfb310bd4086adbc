package server

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Entry is one queued envelope with its insertion index. Insertion order,
// not wall-clock time, is authoritative for replay.
type Entry struct {
	Index int64
	Data  []byte
}

// Queue is the persistent store-and-forward stream. Entries are append
// only; replayed entries are not removed, because cursor advancement is
// entirely client-driven.
type Queue interface {
	Append(ctx context.Context, stream string, data []byte) (int64, error)
	Range(ctx context.Context, stream string, from int64) ([]Entry, error)
}

// RedisQueue keeps each stream as a Redis list.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Append(ctx context.Context, stream string, data []byte) (int64, error) {
	n, err := q.client.RPush(ctx, stream, data).Result()
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

func (q *RedisQueue) Range(ctx context.Context, stream string, from int64) ([]Entry, error) {
	if from < 0 {
		from = 0
	}
	vals, err := q.client.LRange(ctx, stream, from, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(vals))
	for i, v := range vals {
		entries = append(entries, Entry{Index: from + int64(i), Data: []byte(v)})
	}
	return entries, nil
}

// MemoryQueue is the in-process Queue used by tests.
type MemoryQueue struct {
	mu      sync.Mutex
	streams map[string][][]byte
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{streams: make(map[string][][]byte)}
}

func (q *MemoryQueue) Append(_ context.Context, stream string, data []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	q.streams[stream] = append(q.streams[stream], cp)
	return int64(len(q.streams[stream]) - 1), nil
}

func (q *MemoryQueue) Range(_ context.Context, stream string, from int64) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if from < 0 {
		from = 0
	}
	list := q.streams[stream]
	if from >= int64(len(list)) {
		return nil, nil
	}
	entries := make([]Entry, 0, int64(len(list))-from)
	for i := from; i < int64(len(list)); i++ {
		entries = append(entries, Entry{Index: i, Data: list[i]})
	}
	return entries, nil
}
