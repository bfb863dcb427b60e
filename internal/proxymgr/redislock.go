package proxymgr

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes proxy selection across processes. Acquire blocks until
// the lock is held or ctx expires; the returned release undoes exactly that
// acquisition and nothing else.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

const (
	selectionLockKey = "steamwatch:lock:proxy_select"

	// The critical section is one UPDATE; the TTL only matters when a
	// holder dies mid-selection.
	selectionLockTTL   = 5 * time.Second
	selectionLockRetry = 25 * time.Millisecond
)

// Owner-checked delete: a release that arrives after the TTL expired must
// not remove a lock some other process now holds.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

type lockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLock is a cross-process mutex on SET NX PX. Postgres keeps concurrent
// leases on distinct rows either way; the lock keeps the LRU order strict
// when several worker processes select at once.
type RedisLock struct {
	client lockClient
	owner  string
}

// NewRedisLock builds a lock owned by this process. The owner string only
// shows up in tokens, for debugging a stuck lock by hand.
func NewRedisLock(client *redis.Client, owner string) *RedisLock {
	return &RedisLock{client: client, owner: owner}
}

// Acquire spins on SET NX until the lock is taken or ctx is done. The token
// is unique per acquisition, so two acquisitions by the same process cannot
// release each other either.
func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	token := l.owner + "-" + uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, selectionLockKey, token, selectionLockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(selectionLockRetry):
		}
	}
}

// release uses its own timeout so the lock is freed even when the caller's
// context is already cancelled.
func (l *RedisLock) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.client.Eval(ctx, releaseScript, []string{selectionLockKey}, token).Err(); err != nil {
		log.Printf("[proxymgr] releasing selection lock: %v", err)
	}
}
