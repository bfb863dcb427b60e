package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-memory Store used by tests and single-process experiments.
// It mirrors Postgres semantics: fresh reads, conflict-gated found-item
// inserts, LRU + success-ratio proxy selection.
type Memory struct {
	mu       sync.Mutex
	tasks    map[int64]*MonitoringTask
	proxies  map[int64]*Proxy
	found    map[string]*FoundItem
	taskSeq  int64
	proxySeq int64
	foundSeq int64
	sessSeq  atomic.Int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[int64]*MonitoringTask),
		proxies: make(map[int64]*Proxy),
		found:   make(map[string]*FoundItem),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close()                         {}

func (m *Memory) NewSession(ctx context.Context) (Session, error) {
	id := "mem-s" + strconv.FormatInt(m.sessSeq.Add(1), 10)
	return &memSession{id: id, store: m}, nil
}

func foundKey(taskID int64, fingerprint string) string {
	return strconv.FormatInt(taskID, 10) + ":" + fingerprint
}

func cloneTask(t *MonitoringTask) *MonitoringTask {
	c := *t
	if t.Filters != nil {
		c.Filters = append([]byte(nil), t.Filters...)
	}
	if t.LastCheck != nil {
		lc := *t.LastCheck
		c.LastCheck = &lc
	}
	if t.NextCheck != nil {
		nc := *t.NextCheck
		c.NextCheck = &nc
	}
	return &c
}

func cloneFound(it *FoundItem) *FoundItem {
	c := *it
	if it.Raw != nil {
		c.Raw = append([]byte(nil), it.Raw...)
	}
	return &c
}

func cloneProxy(p *Proxy) *Proxy {
	c := *p
	if p.BlockedUntil != nil {
		b := *p.BlockedUntil
		c.BlockedUntil = &b
	}
	if p.LastUsedAt != nil {
		l := *p.LastUsedAt
		c.LastUsedAt = &l
	}
	return &c
}

// TaskOps

func (m *Memory) CreateTask(ctx context.Context, t *MonitoringTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskSeq++
	t.ID = m.taskSeq
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if len(t.Filters) == 0 {
		t.Filters = []byte("{}")
	}
	if t.NextCheck == nil {
		nc := now
		t.NextCheck = &nc
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id int64) (*MonitoringTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (m *Memory) ListTasks(ctx context.Context) ([]*MonitoringTask, error) {
	return m.listTasks(false)
}

func (m *Memory) ListActiveTasks(ctx context.Context) ([]*MonitoringTask, error) {
	return m.listTasks(true)
}

func (m *Memory) listTasks(onlyActive bool) ([]*MonitoringTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MonitoringTask
	for _, t := range m.tasks {
		if onlyActive && !t.IsActive {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetTaskActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	t.IsActive = active
	if active && t.NextCheck == nil {
		nc := time.Now()
		t.NextCheck = &nc
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	delete(m.tasks, id)
	for key, item := range m.found {
		if item.TaskID == id {
			delete(m.found, key)
		}
	}
	return nil
}

func (m *Memory) AdvanceTaskSchedule(ctx context.Context, id int64, lastCheck, nextCheck time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	lc, nc := lastCheck, nextCheck
	t.LastCheck = &lc
	t.NextCheck = &nc
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) RescheduleTask(ctx context.Context, id int64, nextCheck time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	nc := nextCheck
	t.NextCheck = &nc
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) IncrementTotalChecks(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	t.TotalChecks++
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) AddItemsFound(ctx context.Context, id int64, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	t.ItemsFound += delta
	t.UpdatedAt = time.Now()
	return nil
}

// ProxyOps

func (m *Memory) CreateProxy(ctx context.Context, p *Proxy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.proxies {
		if existing.Endpoint == p.Endpoint {
			return fmt.Errorf("proxy endpoint %q already exists", p.Endpoint)
		}
	}
	m.proxySeq++
	p.ID = m.proxySeq
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.proxies[p.ID] = cloneProxy(p)
	return nil
}

func (m *Memory) GetProxy(ctx context.Context, id int64) (*Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return nil, nil
	}
	return cloneProxy(p), nil
}

func (m *Memory) ListProxies(ctx context.Context) ([]*Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Proxy
	for _, p := range m.proxies {
		out = append(out, cloneProxy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LeaseNextProxy(ctx context.Context, now time.Time) (*Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*Proxy
	for _, p := range m.proxies {
		if p.Leasable(now) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
		if a.SuccessRatio() != b.SuccessRatio() {
			return a.SuccessRatio() > b.SuccessRatio()
		}
		return a.ID < b.ID
	})
	chosen := candidates[0]
	t := now
	chosen.LastUsedAt = &t
	chosen.UpdatedAt = now
	return cloneProxy(chosen), nil
}

func (m *Memory) MarkProxySuccess(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	p.Successes++
	p.BlockedUntil = nil
	p.LastError = ""
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) MarkProxyFailure(ctx context.Context, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	p.Failures++
	p.LastError = lastError
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) BlockProxy(ctx context.Context, id int64, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	u := until
	p.BlockedUntil = &u
	p.Failures++
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetProxyActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proxies[id]
	if !ok {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	p.IsActive = active
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ProxyStatsSnapshot(ctx context.Context, now time.Time) (ProxyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats ProxyStats
	for _, p := range m.proxies {
		stats.Total++
		if p.IsActive {
			stats.Active++
		} else {
			stats.Inactive++
		}
		if p.BlockedUntil != nil && p.BlockedUntil.After(now) {
			stats.Blocked++
			if p.IsActive {
				stats.ActiveBlocked++
			}
		}
	}
	return stats, nil
}

// FoundItemOps

func (m *Memory) InsertFoundItem(ctx context.Context, item *FoundItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := foundKey(item.TaskID, item.Fingerprint)
	if _, ok := m.found[key]; ok {
		return false, nil
	}
	m.foundSeq++
	item.ID = m.foundSeq
	if item.FirstSeenAt.IsZero() {
		item.FirstSeenAt = time.Now()
	}
	stored := *item
	if item.Raw != nil {
		stored.Raw = append([]byte(nil), item.Raw...)
	}
	m.found[key] = &stored
	return true, nil
}

func (m *Memory) ListFoundItems(ctx context.Context, taskID int64, limit int) ([]*FoundItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*FoundItem
	for _, it := range m.found {
		if it.TaskID == taskID {
			c := *it
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.After(out[j].FirstSeenAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTxSnapshot captures the whole store at Begin so Rollback can restore
// it. The substrate serves single-writer tests; it does not attempt
// per-transaction isolation between concurrent sessions, and a rollback
// discards writes from every session made since the snapshot.
type memTxSnapshot struct {
	tasks    map[int64]*MonitoringTask
	proxies  map[int64]*Proxy
	found    map[string]*FoundItem
	taskSeq  int64
	proxySeq int64
	foundSeq int64
}

func (m *Memory) snapshot() *memTxSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &memTxSnapshot{
		tasks:    make(map[int64]*MonitoringTask, len(m.tasks)),
		proxies:  make(map[int64]*Proxy, len(m.proxies)),
		found:    make(map[string]*FoundItem, len(m.found)),
		taskSeq:  m.taskSeq,
		proxySeq: m.proxySeq,
		foundSeq: m.foundSeq,
	}
	for id, t := range m.tasks {
		snap.tasks[id] = cloneTask(t)
	}
	for id, p := range m.proxies {
		snap.proxies[id] = cloneProxy(p)
	}
	for key, it := range m.found {
		snap.found[key] = cloneFound(it)
	}
	return snap
}

func (m *Memory) restore(snap *memTxSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = snap.tasks
	m.proxies = snap.proxies
	m.found = snap.found
	m.taskSeq = snap.taskSeq
	m.proxySeq = snap.proxySeq
	m.foundSeq = snap.foundSeq
}

// memSession delegates to the shared store but enforces the single-activity
// rule exactly like the Postgres session does. Transactions are backed by a
// store snapshot, so a Rollback genuinely undoes the session's writes.
type memSession struct {
	id     string
	store  *Memory
	inUse  atomic.Bool
	closed atomic.Bool
	txOpen bool
	snap   *memTxSnapshot
}

func (s *memSession) ID() string { return s.id }

func (s *memSession) enter() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.inUse.CompareAndSwap(false, true) {
		return fmt.Errorf("%w (session %s)", ErrSessionBusy, s.id)
	}
	return nil
}

func (s *memSession) leave() { s.inUse.Store(false) }

func (s *memSession) Begin(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if s.txOpen {
		return fmt.Errorf("session %s: transaction already open", s.id)
	}
	s.txOpen = true
	s.snap = s.store.snapshot()
	return nil
}

func (s *memSession) Commit(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if !s.txOpen {
		return fmt.Errorf("session %s: no open transaction", s.id)
	}
	s.txOpen = false
	s.snap = nil
	return nil
}

func (s *memSession) Rollback(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if s.txOpen && s.snap != nil {
		s.store.restore(s.snap)
	}
	s.txOpen = false
	s.snap = nil
	return nil
}

func (s *memSession) Close(ctx context.Context) {
	s.closed.Store(true)
}

func (s *memSession) CreateTask(ctx context.Context, t *MonitoringTask) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.CreateTask(ctx, t)
}

func (s *memSession) GetTask(ctx context.Context, id int64) (*MonitoringTask, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.store.GetTask(ctx, id)
}

func (s *memSession) ListTasks(ctx context.Context) ([]*MonitoringTask, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.store.ListTasks(ctx)
}

func (s *memSession) ListActiveTasks(ctx context.Context) ([]*MonitoringTask, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.store.ListActiveTasks(ctx)
}

func (s *memSession) SetTaskActive(ctx context.Context, id int64, active bool) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.SetTaskActive(ctx, id, active)
}

func (s *memSession) DeleteTask(ctx context.Context, id int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.DeleteTask(ctx, id)
}

func (s *memSession) AdvanceTaskSchedule(ctx context.Context, id int64, lastCheck, nextCheck time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.AdvanceTaskSchedule(ctx, id, lastCheck, nextCheck)
}

func (s *memSession) RescheduleTask(ctx context.Context, id int64, nextCheck time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.RescheduleTask(ctx, id, nextCheck)
}

func (s *memSession) IncrementTotalChecks(ctx context.Context, id int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.IncrementTotalChecks(ctx, id)
}

func (s *memSession) AddItemsFound(ctx context.Context, id int64, delta int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.AddItemsFound(ctx, id, delta)
}

func (s *memSession) CreateProxy(ctx context.Context, p *Proxy) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.CreateProxy(ctx, p)
}

func (s *memSession) GetProxy(ctx context.Context, id int64) (*Proxy, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.store.GetProxy(ctx, id)
}

func (s *memSession) ListProxies(ctx context.Context) ([]*Proxy, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.store.ListProxies(ctx)
}

func (s *memSession) LeaseNextProxy(ctx context.Context, now time.Time) (*Proxy, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.store.LeaseNextProxy(ctx, now)
}

func (s *memSession) MarkProxySuccess(ctx context.Context, id int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.MarkProxySuccess(ctx, id)
}

func (s *memSession) MarkProxyFailure(ctx context.Context, id int64, lastError string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.MarkProxyFailure(ctx, id, lastError)
}

func (s *memSession) BlockProxy(ctx context.Context, id int64, until time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.BlockProxy(ctx, id, until)
}

func (s *memSession) SetProxyActive(ctx context.Context, id int64, active bool) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return s.store.SetProxyActive(ctx, id, active)
}

func (s *memSession) ProxyStatsSnapshot(ctx context.Context, now time.Time) (ProxyStats, error) {
	if err := s.enter(); err != nil {
		return ProxyStats{}, err
	}
	defer s.leave()
	return s.store.ProxyStatsSnapshot(ctx, now)
}

func (s *memSession) InsertFoundItem(ctx context.Context, item *FoundItem) (bool, error) {
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.leave()
	return s.store.InsertFoundItem(ctx, item)
}

func (s *memSession) ListFoundItems(ctx context.Context, taskID int64, limit int) ([]*FoundItem, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return s.store.ListFoundItems(ctx, taskID, limit)
}
