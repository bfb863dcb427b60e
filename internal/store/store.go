// Package store persists monitoring tasks, found items and proxies, and
// enforces the session discipline: a Session is affine to exactly one
// concurrent activity and is never shared.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionBusy means two concurrent activities used one session.
	// This must never happen by construction; seeing it is a defect in the
	// caller, not a condition to retry on the same session.
	ErrSessionBusy = errors.New("store: session used concurrently")

	// ErrSessionClosed means the session was used after Close.
	ErrSessionClosed = errors.New("store: session closed")

	// ErrNotFound is returned by mutations that matched no row.
	ErrNotFound = errors.New("store: not found")
)

// TaskOps are the monitoring_tasks operations.
type TaskOps interface {
	CreateTask(ctx context.Context, t *MonitoringTask) error
	GetTask(ctx context.Context, id int64) (*MonitoringTask, error)
	ListTasks(ctx context.Context) ([]*MonitoringTask, error)
	ListActiveTasks(ctx context.Context) ([]*MonitoringTask, error)
	SetTaskActive(ctx context.Context, id int64, active bool) error
	DeleteTask(ctx context.Context, id int64) error

	// AdvanceTaskSchedule writes last_check and next_check in one UPDATE.
	AdvanceTaskSchedule(ctx context.Context, id int64, lastCheck, nextCheck time.Time) error
	// RescheduleTask writes only next_check; used by the safe-advance path
	// after a failed tick.
	RescheduleTask(ctx context.Context, id int64, nextCheck time.Time) error
	// IncrementTotalChecks bumps the completed-check counter by one.
	IncrementTotalChecks(ctx context.Context, id int64) error
	// AddItemsFound bumps the found-item counter by delta.
	AddItemsFound(ctx context.Context, id int64, delta int64) error
}

// ProxyOps are the proxies operations.
type ProxyOps interface {
	CreateProxy(ctx context.Context, p *Proxy) error
	GetProxy(ctx context.Context, id int64) (*Proxy, error)
	ListProxies(ctx context.Context) ([]*Proxy, error)

	// LeaseNextProxy picks the leasable proxy that was used least recently
	// (ties broken by success ratio) and stamps last_used_at, atomically.
	// Returns (nil, nil) when no proxy is leasable.
	LeaseNextProxy(ctx context.Context, now time.Time) (*Proxy, error)

	MarkProxySuccess(ctx context.Context, id int64) error
	MarkProxyFailure(ctx context.Context, id int64, lastError string) error
	BlockProxy(ctx context.Context, id int64, until time.Time) error
	SetProxyActive(ctx context.Context, id int64, active bool) error

	// ProxyStatsSnapshot is a fresh read; it must observe blocks committed
	// by other processes before the call.
	ProxyStatsSnapshot(ctx context.Context, now time.Time) (ProxyStats, error)
}

// FoundItemOps are the found_items operations.
type FoundItemOps interface {
	// InsertFoundItem inserts with ON CONFLICT DO NOTHING semantics and
	// reports whether a row was actually inserted.
	InsertFoundItem(ctx context.Context, item *FoundItem) (bool, error)
	ListFoundItems(ctx context.Context, taskID int64, limit int) ([]*FoundItem, error)
}

// Session is an independent transactional handle with its own connection
// lease. Callers open one per unit of work and close it on all exit paths.
// Using one session from two goroutines at once yields ErrSessionBusy.
type Session interface {
	TaskOps
	ProxyOps
	FoundItemOps

	// ID identifies the session in logs and leak reports.
	ID() string

	// Begin opens an explicit transaction for a multi-statement unit.
	// Without it every statement commits on its own.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Close rolls back any open transaction and returns the connection.
	// Safe to call more than once.
	Close(ctx context.Context)
}

// Store is the persistence backend. Direct methods run each statement on a
// pool connection; NewSession hands out a dedicated handle for callers that
// need session affinity across several operations.
type Store interface {
	TaskOps
	ProxyOps
	FoundItemOps

	NewSession(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close()
}
