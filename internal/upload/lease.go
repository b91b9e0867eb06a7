package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ssd-technologies/shard/internal/errs"
)

// Lease makes finalize single-shot per upload id. A lease that is already
// held yields errs.ErrSessionBusy. Leases expire after ttl so a crashed
// holder cannot block a session forever.
//
// Single-shot assembly itself is enforced by chunks.Store.Assemble, which
// claims the staging directory with a rename. The lease turns a concurrent
// finalize into session-busy early, before any disk work.
type Lease interface {
	Acquire(ctx context.Context, id string, ttl time.Duration) (release func(), err error)
}

// LocalLease is a Lease held in process memory.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]localHold
	next uint64
	now  func() time.Time
}

type localHold struct {
	token   uint64
	expires time.Time
}

// NewLocalLease returns an empty in-process lease table.
func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]localHold), now: time.Now}
}

// Acquire takes the lease for id.
func (l *LocalLease) Acquire(_ context.Context, id string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[id]; ok && now.Before(h.expires) {
		return nil, fmt.Errorf("upload %s: %w", id, errs.ErrSessionBusy)
	}
	l.next++
	token := l.next

	l.held[id] = localHold{token: token, expires: now.Add(ttl)}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[id]; ok && h.token == token {
			delete(l.held, id)
		}
	}, nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lease never releases a newer holder's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a Lease shared by every worker process using the same
// redis instance.
type RedisLease struct {
	client *redis.Client
	prefix string
}

// NewRedisLease returns a lease stored under "<prefix><id>" keys.
func NewRedisLease(client *redis.Client, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "shard:finalize:"
	}
	return &RedisLease{client: client, prefix: prefix}
}

// Acquire takes the lease for id with SET NX PX.
func (l *RedisLease) Acquire(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	key := l.prefix + id
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %v: %w", err, errs.ErrIO)
	}
	if !ok {
		return nil, fmt.Errorf("upload %s: %w", id, errs.ErrSessionBusy)
	}
	return func() {
		// The request context may already be gone when the lease is released.
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		releaseScript.Run(rctx, l.client, []string{key}, token)
	}, nil
}
