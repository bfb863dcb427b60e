package store

import (
	"encoding/json"
	"time"
)

// MonitoringTask is a user-owned market subscription. The scheduler owns
// next_check/last_check, the result processor owns total_checks/items_found;
// no other writer touches those columns.
type MonitoringTask struct {
	ID            int64           `json:"id"`
	OwnerID       int64           `json:"owner_id"`
	Name          string          `json:"name"`
	URL           string          `json:"url"`
	Filters       json.RawMessage `json:"filters"`
	CheckInterval time.Duration   `json:"check_interval_seconds"`
	IsActive      bool            `json:"is_active"`
	TotalChecks   int64           `json:"total_checks"`
	ItemsFound    int64           `json:"items_found"`
	LastCheck     *time.Time      `json:"last_check,omitempty"`
	NextCheck     *time.Time      `json:"next_check,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FoundItem records a listing that already matched a task's filters and was
// notified. One row per (task_id, fingerprint); first_seen_at never changes.
type FoundItem struct {
	ID          int64           `json:"id"`
	TaskID      int64           `json:"task_id"`
	Fingerprint string          `json:"fingerprint"`
	ItemName    string          `json:"item_name"`
	PriceCents  int64           `json:"price_cents"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	FirstSeenAt time.Time       `json:"first_seen_at"`
}

// Proxy is a managed egress endpoint. blocked_until is only advanced by
// rate-limit handling and cleared when the proxy works again.
type Proxy struct {
	ID           int64      `json:"id"`
	Endpoint     string     `json:"endpoint"`
	IsActive     bool       `json:"is_active"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Successes    int64      `json:"successes"`
	Failures     int64      `json:"failures"`
	DelaySeconds int        `json:"delay_seconds"`
	LastError    string     `json:"last_error,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Leasable reports whether the proxy may be handed out at instant t.
func (p *Proxy) Leasable(t time.Time) bool {
	if !p.IsActive {
		return false
	}
	return p.BlockedUntil == nil || !p.BlockedUntil.After(t)
}

// SuccessRatio is successes over total reports, 0 when unused.
func (p *Proxy) SuccessRatio() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// ProxyStats is a point-in-time snapshot of pool composition.
// ActiveBlocked counts rows that are is_active with blocked_until > now.
type ProxyStats struct {
	Total         int `json:"total"`
	Active        int `json:"active"`
	Inactive      int `json:"inactive"`
	Blocked       int `json:"blocked"`
	ActiveBlocked int `json:"active_blocked"`
}
