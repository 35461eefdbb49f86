// Package lock serialises admin decisions and withdrawal requests across API
// instances. The database conditionals stay authoritative; a lock only turns
// an obvious race into an early REQUEST_IN_PROGRESS.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrNotAcquired = errors.New("lock held by another request")

type Locker interface {
	// Acquire takes key for ttl. The returned func releases it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// unlockScript deletes the key only if we still own it.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// NewRedisClient parses url (redis://...) and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := l.prefix + key
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return func(ctx context.Context) error {
		return l.client.Eval(ctx, unlockScript, []string{full}, token).Err()
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Nop always succeeds. Used when REDIS_URL is not set.
type Nop struct{}

func (Nop) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]memoryLease
}

type memoryLease struct {
	token string
	until time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryLease)}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.held[key]; ok && time.Now().Before(lease.until) {
		return nil, ErrNotAcquired
	}
	m.held[key] = memoryLease{token: token, until: time.Now().Add(ttl)}
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		// same rule as unlockScript: only the owner deletes
		if m.held[key].token == token {
			delete(m.held, key)
		}
		return nil
	}, nil
}
