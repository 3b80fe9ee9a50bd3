// Package lock serializes work per session.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker hands out exclusive locks keyed by string. The returned func
// releases the lock and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Memory is a process-local Locker. Entries are dropped once no caller
// holds or waits for them.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewMemory() *Memory {
	return &Memory{locks: map[string]*entry{}}
}

func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e, false)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { m.release(key, e, true) }) }, nil
}

func (m *Memory) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}

// ErrLockTimeout is returned when a Redis lock could not be taken before
// the context expired.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process using the same Redis server.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
}

func NewRedis(addr string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Prefix: "facilitator:lock:",
		TTL:    ttl,
		Retry:  50 * time.Millisecond,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	k := r.Prefix + key
	for {
		ok, err := r.Client.SetNX(ctx, k, token, r.TTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ErrLockTimeout
		case <-time.After(r.Retry):
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, r.Client, []string{k}, token).Err()
		})
	}, nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
