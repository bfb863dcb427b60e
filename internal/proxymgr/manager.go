// Package proxymgr hands out proxies to workers and records their fate.
//
// Selection favors the proxy idle longest, with success ratio as the tie
// breaker; a proxy that trips the upstream rate limit is benched for the
// configured cool-off and returns to rotation on its own.
package proxymgr

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/andrwknv/steamwatch/internal/observability"
	"github.com/andrwknv/steamwatch/internal/store"
)

// ErrNoProxyAvailable means every proxy is inactive or cooling off right now.
// Callers back off and retry instead of hammering the store.
var ErrNoProxyAvailable = errors.New("proxymgr: no proxy available")

// DefaultCoolOff benches a rate-limited proxy for five minutes.
const DefaultCoolOff = 5 * time.Minute

// selectionLockWait bounds how long Acquire waits for the cross-process
// lock before leasing without it.
const selectionLockWait = 3 * time.Second

// Manager coordinates proxy leasing for one process.
type Manager struct {
	store   store.Store
	coolOff time.Duration
	prober  Prober
	locker  Locker
	now     func() time.Time

	mu sync.Mutex
}

// New builds a Manager over st. A non-positive coolOff falls back to
// DefaultCoolOff.
func New(st store.Store, coolOff time.Duration) *Manager {
	if coolOff <= 0 {
		coolOff = DefaultCoolOff
	}
	return &Manager{
		store:   st,
		coolOff: coolOff,
		prober:  &HTTPProber{},
		now:     time.Now,
	}
}

// UseLocker adds a cross-process mutex around selection. Without one, only
// callers inside this process are serialized.
func (m *Manager) UseLocker(l Locker) {
	m.locker = l
}

// Acquire leases the next proxy. In-process callers are serialized so two
// workers in one process never race on the same selection; with a Locker
// configured the same holds across processes.
func (m *Manager) Acquire(ctx context.Context) (*store.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locker != nil {
		if release, err := m.lockSelection(ctx); err == nil {
			defer release()
		}
	}

	p, err := m.store.LeaseNextProxy(ctx, m.now())
	if err != nil {
		return nil, err
	}
	if p == nil {
		observability.ProxyAcquires.WithLabelValues("none_available").Inc()
		return nil, ErrNoProxyAvailable
	}
	observability.ProxyAcquires.WithLabelValues("ok").Inc()
	return p, nil
}

// lockSelection takes the cross-process lock with a bounded wait. SKIP LOCKED
// keeps concurrent leases on distinct rows regardless, so an unreachable
// Redis degrades selection order instead of stopping leasing.
func (m *Manager) lockSelection(ctx context.Context) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, selectionLockWait)
	defer cancel()
	release, err := m.locker.Acquire(lctx)
	if err != nil {
		observability.ProxyAcquires.WithLabelValues("unlocked").Inc()
		log.Printf("[proxymgr] selection lock unavailable, leasing without it: %v", err)
		return nil, err
	}
	return release, nil
}

// ReportSuccess records a successful fetch. A success also lifts any block
// still on the proxy, so a recovered endpoint rejoins rotation immediately.
func (m *Manager) ReportSuccess(ctx context.Context, id int64) error {
	return m.store.MarkProxySuccess(ctx, id)
}

// ReportRateLimit benches the proxy until now+coolOff. The proxy stays
// active; the block expires on its own.
func (m *Manager) ReportRateLimit(ctx context.Context, id int64) error {
	until := m.now().Add(m.coolOff)
	if err := m.store.BlockProxy(ctx, id, until); err != nil {
		return err
	}
	observability.ProxyBlocks.Inc()
	log.Printf("[proxymgr] proxy %d rate limited, blocked until %s", id, until.Format(time.RFC3339))
	return nil
}

// ReportFailure records a transport-level failure. The failure counter moves
// the proxy down the selection order but never blocks it.
func (m *Manager) ReportFailure(ctx context.Context, id int64, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return m.store.MarkProxyFailure(ctx, id, reason)
}

// Stats reads a fresh pool snapshot. Each call hits the store so blocks
// committed by other processes are visible immediately.
func (m *Manager) Stats(ctx context.Context) (store.ProxyStats, error) {
	stats, err := m.store.ProxyStatsSnapshot(ctx, m.now())
	if err != nil {
		return store.ProxyStats{}, err
	}
	observability.ProxyPool.WithLabelValues("total").Set(float64(stats.Total))
	observability.ProxyPool.WithLabelValues("active").Set(float64(stats.Active))
	observability.ProxyPool.WithLabelValues("inactive").Set(float64(stats.Inactive))
	observability.ProxyPool.WithLabelValues("blocked").Set(float64(stats.Blocked))
	observability.ProxyPool.WithLabelValues("active_blocked").Set(float64(stats.ActiveBlocked))
	return stats, nil
}

// Check probes the proxy end to end and records the outcome like a real
// fetch would: success clears blocks, failure lands in last_error.
func (m *Manager) Check(ctx context.Context, id int64) error {
	p, err := m.store.GetProxy(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return store.ErrNotFound
	}
	if err := m.prober.Probe(ctx, p.Endpoint); err != nil {
		if merr := m.store.MarkProxyFailure(ctx, id, err.Error()); merr != nil {
			log.Printf("[proxymgr] recording probe failure for proxy %d: %v", id, merr)
		}
		return err
	}
	return m.store.MarkProxySuccess(ctx, id)
}
