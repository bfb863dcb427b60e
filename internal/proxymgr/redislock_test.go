package proxymgr

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeLockClient emulates the two commands RedisLock issues. SetNX succeeds
// while holder is empty; Eval deletes only when the token matches.
type fakeLockClient struct {
	mu     sync.Mutex
	holder string
	setNX  int
	evals  []string
	err    error
}

func (f *fakeLockClient) SetNX(_ context.Context, _ string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setNX++
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if f.holder != "" {
		return redis.NewBoolResult(false, nil)
	}
	f.holder = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLockClient) Eval(_ context.Context, _ string, _ []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := args[0].(string)
	f.evals = append(f.evals, token)
	if f.holder == token {
		f.holder = ""
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockAcquireRelease(t *testing.T) {
	fake := &fakeLockClient{}
	l := &RedisLock{client: fake, owner: "w1"}

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if fake.holder == "" || !strings.HasPrefix(fake.holder, "w1-") {
		t.Fatalf("holder = %q, want w1-<token>", fake.holder)
	}
	release()
	if fake.holder != "" {
		t.Fatalf("lock still held after release: %q", fake.holder)
	}
	if len(fake.evals) != 1 {
		t.Fatalf("release ran %d scripts, want 1", len(fake.evals))
	}
}

func TestRedisLockWaitsForHolder(t *testing.T) {
	fake := &fakeLockClient{holder: "other"}
	l := &RedisLock{client: fake, owner: "w1"}

	go func() {
		time.Sleep(60 * time.Millisecond)
		fake.mu.Lock()
		fake.holder = ""
		fake.mu.Unlock()
	}()

	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()
	if fake.setNX < 2 {
		t.Fatalf("acquired in %d attempts, expected to spin on the held lock", fake.setNX)
	}
}

func TestRedisLockHonorsContext(t *testing.T) {
	fake := &fakeLockClient{holder: "other"}
	l := &RedisLock{client: fake, owner: "w1"}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestRedisLockTokensAreUnique(t *testing.T) {
	fake := &fakeLockClient{}
	l := &RedisLock{client: fake, owner: "w1"}

	r1, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	first := fake.holder
	r1()
	r2, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer r2()
	if fake.holder == first {
		t.Fatalf("second acquisition reused token %q", first)
	}
}

// countingLocker records the acquire/release pairing around leasing.
type countingLocker struct {
	acquired int
	released int
	err      error
}

func (c *countingLocker) Acquire(context.Context) (func(), error) {
	if c.err != nil {
		return nil, c.err
	}
	c.acquired++
	return func() { c.released++ }, nil
}

func TestAcquireHoldsSelectionLock(t *testing.T) {
	m, st := newTestManager(t)
	addProxy(t, st, "http://p1:8080")
	lk := &countingLocker{}
	m.UseLocker(lk)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lk.acquired != 1 || lk.released != 1 {
		t.Fatalf("lock acquired %d released %d, want 1/1", lk.acquired, lk.released)
	}
}

func TestAcquireReleasesLockOnEmptyPool(t *testing.T) {
	m, _ := newTestManager(t)
	lk := &countingLocker{}
	m.UseLocker(lk)

	if _, err := m.Acquire(context.Background()); !errors.Is(err, ErrNoProxyAvailable) {
		t.Fatalf("err = %v, want ErrNoProxyAvailable", err)
	}
	if lk.released != lk.acquired {
		t.Fatalf("lock leaked: acquired %d released %d", lk.acquired, lk.released)
	}
}

func TestAcquireProceedsWhenLockUnavailable(t *testing.T) {
	m, st := newTestManager(t)
	p := addProxy(t, st, "http://p1:8080")
	m.UseLocker(&countingLocker{err: errors.New("redis: connection refused")})

	leased, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire should degrade to unlocked leasing: %v", err)
	}
	if leased.ID != p.ID {
		t.Fatalf("leased proxy %d, want %d", leased.ID, p.ID)
	}
}
