package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	_ Store   = (*Memory)(nil)
	_ Store   = (*Postgres)(nil)
	_ Session = (*memSession)(nil)
	_ Session = (*pgSession)(nil)
)

func addProxy(t *testing.T, m *Memory, endpoint string) *Proxy {
	t.Helper()
	p := &Proxy{Endpoint: endpoint, IsActive: true}
	if err := m.CreateProxy(context.Background(), p); err != nil {
		t.Fatalf("CreateProxy(%s): %v", endpoint, err)
	}
	return p
}

func TestLeasePrefersLeastRecentlyUsed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	a := addProxy(t, m, "http://a:8080")
	b := addProxy(t, m, "http://b:8080")
	c := addProxy(t, m, "http://c:8080")

	// a used 1h ago, b used 1m ago, c never used.
	old := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)
	m.mu.Lock()
	m.proxies[a.ID].LastUsedAt = &old
	m.proxies[b.ID].LastUsedAt = &recent
	m.mu.Unlock()

	got, err := m.LeaseNextProxy(ctx, now)
	if err != nil {
		t.Fatalf("LeaseNextProxy: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("expected never-used proxy %d first, got %d", c.ID, got.ID)
	}

	got, err = m.LeaseNextProxy(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("LeaseNextProxy: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("expected LRU proxy %d second, got %d", a.ID, got.ID)
	}
}

func TestLeaseStampsLastUsed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()
	p := addProxy(t, m, "http://a:8080")

	leased, err := m.LeaseNextProxy(ctx, now)
	if err != nil {
		t.Fatalf("LeaseNextProxy: %v", err)
	}
	if leased.LastUsedAt == nil || !leased.LastUsedAt.Equal(now) {
		t.Errorf("lease did not stamp last_used_at: %+v", leased.LastUsedAt)
	}

	stored, _ := m.GetProxy(ctx, p.ID)
	if stored.LastUsedAt == nil {
		t.Error("stamp not persisted")
	}
}

func TestLeaseSkipsBlockedAndInactive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	blocked := addProxy(t, m, "http://blocked:8080")
	inactive := addProxy(t, m, "http://inactive:8080")
	expired := addProxy(t, m, "http://expired:8080")

	if err := m.BlockProxy(ctx, blocked.ID, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("BlockProxy: %v", err)
	}
	if err := m.SetProxyActive(ctx, inactive.ID, false); err != nil {
		t.Fatalf("SetProxyActive: %v", err)
	}
	// A block whose deadline passed must not prevent leasing; no sweep is
	// involved, leasability is just a predicate on blocked_until.
	if err := m.BlockProxy(ctx, expired.ID, now.Add(-time.Second)); err != nil {
		t.Fatalf("BlockProxy: %v", err)
	}

	got, err := m.LeaseNextProxy(ctx, now)
	if err != nil {
		t.Fatalf("LeaseNextProxy: %v", err)
	}
	if got == nil || got.ID != expired.ID {
		t.Fatalf("expected expired-block proxy %d, got %+v", expired.ID, got)
	}

	// Nothing else leasable now.
	got, err = m.LeaseNextProxy(ctx, now)
	if err != nil {
		t.Fatalf("LeaseNextProxy: %v", err)
	}
	if got != nil {
		t.Errorf("expected no leasable proxy, got %d", got.ID)
	}
}

func TestLeaseTieBrokenBySuccessRatio(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	weak := addProxy(t, m, "http://weak:8080")
	strong := addProxy(t, m, "http://strong:8080")

	same := now.Add(-time.Hour)
	m.mu.Lock()
	m.proxies[weak.ID].LastUsedAt = &same
	m.proxies[weak.ID].Successes = 1
	m.proxies[weak.ID].Failures = 9
	m.proxies[strong.ID].LastUsedAt = &same
	m.proxies[strong.ID].Successes = 9
	m.proxies[strong.ID].Failures = 1
	m.mu.Unlock()

	got, err := m.LeaseNextProxy(ctx, now)
	if err != nil {
		t.Fatalf("LeaseNextProxy: %v", err)
	}
	if got.ID != strong.ID {
		t.Errorf("expected higher success ratio to win the tie, got proxy %d", got.ID)
	}
}

func TestProxyStatsActiveBlocked(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	activeBlocked := addProxy(t, m, "http://ab:8080")
	inactiveBlocked := addProxy(t, m, "http://ib:8080")
	addProxy(t, m, "http://free:8080")

	if err := m.BlockProxy(ctx, activeBlocked.ID, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := m.BlockProxy(ctx, inactiveBlocked.ID, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := m.SetProxyActive(ctx, inactiveBlocked.ID, false); err != nil {
		t.Fatal(err)
	}

	stats, err := m.ProxyStatsSnapshot(ctx, now)
	if err != nil {
		t.Fatalf("ProxyStatsSnapshot: %v", err)
	}
	want := ProxyStats{Total: 3, Active: 2, Inactive: 1, Blocked: 2, ActiveBlocked: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestMarkProxySuccessClearsBlock(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := addProxy(t, m, "http://a:8080")

	if err := m.BlockProxy(ctx, p.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkProxySuccess(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetProxy(ctx, p.ID)
	if got.BlockedUntil != nil {
		t.Error("success should clear blocked_until")
	}
	if got.Successes != 1 || got.Failures != 1 {
		t.Errorf("counters = %d/%d, want 1/1", got.Successes, got.Failures)
	}
}

func TestInsertFoundItemConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task := &MonitoringTask{OwnerID: 1, Name: "t", URL: "u", IsActive: true}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	item := &FoundItem{TaskID: task.ID, Fingerprint: "fp-1", ItemName: "AK-47", PriceCents: 900}
	inserted, err := m.InsertFoundItem(ctx, item)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%t err=%v", inserted, err)
	}

	dup := &FoundItem{TaskID: task.ID, Fingerprint: "fp-1", ItemName: "AK-47", PriceCents: 900}
	inserted, err = m.InsertFoundItem(ctx, dup)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Error("duplicate fingerprint must not insert")
	}

	items, _ := m.ListFoundItems(ctx, task.ID, 10)
	if len(items) != 1 {
		t.Errorf("found %d items, want 1", len(items))
	}
}

func TestFirstSeenAtNeverRewritten(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := &MonitoringTask{OwnerID: 1, Name: "t", URL: "u", IsActive: true}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	first := time.Now().Add(-time.Hour)
	if _, err := m.InsertFoundItem(ctx, &FoundItem{TaskID: task.ID, Fingerprint: "fp", ItemName: "x", FirstSeenAt: first}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.InsertFoundItem(ctx, &FoundItem{TaskID: task.ID, Fingerprint: "fp", ItemName: "x"}); err != nil {
		t.Fatal(err)
	}

	items, _ := m.ListFoundItems(ctx, task.ID, 10)
	if !items[0].FirstSeenAt.Equal(first) {
		t.Errorf("first_seen_at rewritten: %v != %v", items[0].FirstSeenAt, first)
	}
}

func TestSessionConcurrentUseIsBusy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sess, err := m.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close(ctx)

	// Simulate another activity mid-call on the same session.
	ms := sess.(*memSession)
	ms.inUse.Store(true)

	_, err = sess.GetTask(ctx, 1)
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	ms.inUse.Store(false)
	if _, err := sess.GetTask(ctx, 1); err != nil {
		t.Fatalf("sequential use must work: %v", err)
	}
}

func TestSessionRollbackDiscardsWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := &MonitoringTask{OwnerID: 1, Name: "t", URL: "u", IsActive: true}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	sess, err := m.NewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close(ctx)

	if err := sess.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sess.IncrementTotalChecks(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.InsertFoundItem(ctx, &FoundItem{TaskID: task.ID, Fingerprint: "fp", ItemName: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := m.GetTask(ctx, task.ID)
	if got.TotalChecks != 0 {
		t.Errorf("total_checks = %d after rollback, want 0", got.TotalChecks)
	}
	items, _ := m.ListFoundItems(ctx, task.ID, 10)
	if len(items) != 0 {
		t.Errorf("%d found items survived rollback", len(items))
	}

	// The same writes stick once committed.
	if err := sess.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sess.IncrementTotalChecks(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetTask(ctx, task.ID)
	if got.TotalChecks != 1 {
		t.Errorf("total_checks = %d after commit, want 1", got.TotalChecks)
	}
}

func TestSessionUseAfterClose(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sess, _ := m.NewSession(ctx)
	sess.Close(ctx)

	if _, err := sess.GetTask(ctx, 1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSetTaskActiveRestoresNextCheck(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := &MonitoringTask{OwnerID: 1, Name: "t", URL: "u", IsActive: true, CheckInterval: time.Minute}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := m.SetTaskActive(ctx, task.ID, false); err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	m.tasks[task.ID].NextCheck = nil
	m.mu.Unlock()

	if err := m.SetTaskActive(ctx, task.ID, true); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetTask(ctx, task.ID)
	if got.NextCheck == nil {
		t.Error("activation must restore next_check")
	}
}

func TestDeleteTaskRemovesFoundItems(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	task := &MonitoringTask{OwnerID: 1, Name: "t", URL: "u", IsActive: true}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := m.InsertFoundItem(ctx, &FoundItem{TaskID: task.ID, Fingerprint: "fp", ItemName: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	items, _ := m.ListFoundItems(ctx, task.ID, 10)
	if len(items) != 0 {
		t.Errorf("found items not cascaded on delete: %d left", len(items))
	}

	if err := m.DeleteTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestMutationsOnMissingRows(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.IncrementTotalChecks(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementTotalChecks: %v", err)
	}
	if err := m.RescheduleTask(ctx, 404, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("RescheduleTask: %v", err)
	}
	if err := m.BlockProxy(ctx, 404, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("BlockProxy: %v", err)
	}

	task, err := m.GetTask(ctx, 404)
	if err != nil || task != nil {
		t.Errorf("missing task lookup = (%v, %v), want (nil, nil)", task, err)
	}
}
