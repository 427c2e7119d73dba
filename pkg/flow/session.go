package flow

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/redis/go-redis/v9"
)

// SessionStore keeps flows between steps. Flows expire after the store's TTL.
type SessionStore interface {
	// Get returns ErrUnknownFlow if the flow doesn't exist or expired.
	Get(ctx context.Context, flowID string) (Flow, error)
	// Put stores the flow and resets its TTL.
	Put(ctx context.Context, flow Flow) error
	// Delete returns ErrUnknownFlow if the flow doesn't exist.
	Delete(ctx context.Context, flowID string) error

	Close() error
}

// ConfiguredSessionStore sets up the SessionStore based on flags.
func ConfiguredSessionStore() SessionStore {
	kind := lflag.String("flow-store", "memory", "Where in-progress flows are kept (available: memory, redis)")
	ttl := lflag.Duration("flow-ttl", time.Hour, "How long an untouched flow is kept")
	redisAddr := lflag.String("redis-addr", "localhost:6379", "Redis server address for the redis flow store")
	redisPassword := lflag.String("redis-password", "", "Redis password")
	redisDB := lflag.String("redis-db", "0", "Redis database number")

	var s struct{ SessionStore }
	lflag.Do(func() {
		switch *kind {
		case "memory":
			s.SessionStore = NewMemoryStore(*ttl)
		case "redis":
			db, err := strconv.Atoi(*redisDB)
			if err != nil {
				panic(fmt.Sprintf("invalid redis-db %q: %v", *redisDB, err))
			}
			client := redis.NewClient(&redis.Options{
				Addr:         *redisAddr,
				Password:     *redisPassword,
				DB:           db,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Ping(ctx).Err(); err != nil {
				panic(fmt.Sprintf("redis connection failed: %v", err))
			}
			s.SessionStore = NewRedisStore(client, *ttl)
		default:
			panic(fmt.Sprintf("unknown flow store: %s", *kind))
		}
	})
	return &s
}

type memoryFlow struct {
	flow    Flow
	expires time.Time
}

// MemoryStore keeps flows in process memory. Expired flows are dropped
// lazily on access.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	flows map[string]memoryFlow
}

var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore whose flows expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:   ttl,
		now:   time.Now,
		flows: make(map[string]memoryFlow),
	}
}

func (m *MemoryStore) Get(ctx context.Context, flowID string) (Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return Flow{}, ErrUnknownFlow
	}
	if !m.now().Before(f.expires) {
		delete(m.flows, flowID)
		return Flow{}, ErrUnknownFlow
	}
	return f.flow, nil
}

func (m *MemoryStore) Put(ctx context.Context, flow Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, f := range m.flows {
		if !now.Before(f.expires) {
			delete(m.flows, id)
		}
	}
	m.flows[flow.ID] = memoryFlow{flow: flow, expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return ErrUnknownFlow
	}
	delete(m.flows, flowID)
	if !m.now().Before(f.expires) {
		return ErrUnknownFlow
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
