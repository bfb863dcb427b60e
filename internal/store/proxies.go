package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const proxyColumns = `id, endpoint, is_active, blocked_until, successes, failures,
	delay_seconds, last_error, last_used_at, created_at, updated_at`

func scanProxy(row pgx.Row) (*Proxy, error) {
	var p Proxy
	err := row.Scan(&p.ID, &p.Endpoint, &p.IsActive, &p.BlockedUntil, &p.Successes, &p.Failures,
		&p.DelaySeconds, &p.LastError, &p.LastUsedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func createProxy(ctx context.Context, db DB, p *Proxy) error {
	defer observe(time.Now())
	return db.QueryRow(ctx, `
		INSERT INTO proxies (endpoint, is_active, delay_seconds)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		p.Endpoint, p.IsActive, p.DelaySeconds,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func getProxy(ctx context.Context, db DB, id int64) (*Proxy, error) {
	defer observe(time.Now())
	p, err := scanProxy(db.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proxy %d: %w", id, err)
	}
	return p, nil
}

func listProxies(ctx context.Context, db DB) ([]*Proxy, error) {
	defer observe(time.Now())
	rows, err := db.Query(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var proxies []*Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		proxies = append(proxies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	return proxies, nil
}

// leaseNextProxy selects and stamps in one statement. SKIP LOCKED keeps two
// concurrent selections from racing onto the same LRU row; every call is a
// fresh read, so blocks committed by other processes are always observed.
func leaseNextProxy(ctx context.Context, db DB, now time.Time) (*Proxy, error) {
	defer observe(time.Now())
	p, err := scanProxy(db.QueryRow(ctx, `
		UPDATE proxies
		SET last_used_at = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM proxies
			WHERE is_active AND (blocked_until IS NULL OR blocked_until <= $1)
			ORDER BY last_used_at ASC NULLS FIRST,
			         (successes::float8 / GREATEST(successes + failures, 1)) DESC,
			         id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+proxyColumns, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease proxy: %w", err)
	}
	return p, nil
}

func markProxySuccess(ctx context.Context, db DB, id int64) error {
	defer observe(time.Now())
	// A proxy that just worked is evidently usable again; clear any block.
	tag, err := db.Exec(ctx, `
		UPDATE proxies
		SET successes = successes + 1, blocked_until = NULL, last_error = '', updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark proxy %d success: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	return nil
}

func markProxyFailure(ctx context.Context, db DB, id int64, lastError string) error {
	defer observe(time.Now())
	tag, err := db.Exec(ctx, `
		UPDATE proxies SET failures = failures + 1, last_error = $2, updated_at = now() WHERE id = $1`,
		id, lastError)
	if err != nil {
		return fmt.Errorf("mark proxy %d failure: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	return nil
}

func blockProxy(ctx context.Context, db DB, id int64, until time.Time) error {
	defer observe(time.Now())
	tag, err := db.Exec(ctx, `
		UPDATE proxies
		SET blocked_until = $2, failures = failures + 1, updated_at = now()
		WHERE id = $1`, id, until)
	if err != nil {
		return fmt.Errorf("block proxy %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	return nil
}

func setProxyActive(ctx context.Context, db DB, id int64, active bool) error {
	defer observe(time.Now())
	tag, err := db.Exec(ctx, `
		UPDATE proxies SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set proxy %d active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proxy %d: %w", id, ErrNotFound)
	}
	return nil
}

func proxyStatsSnapshot(ctx context.Context, db DB, now time.Time) (ProxyStats, error) {
	defer observe(time.Now())
	var stats ProxyStats
	err := db.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE is_active),
		       count(*) FILTER (WHERE NOT is_active),
		       count(*) FILTER (WHERE blocked_until IS NOT NULL AND blocked_until > $1),
		       count(*) FILTER (WHERE is_active AND blocked_until IS NOT NULL AND blocked_until > $1)
		FROM proxies`, now,
	).Scan(&stats.Total, &stats.Active, &stats.Inactive, &stats.Blocked, &stats.ActiveBlocked)
	if err != nil {
		return ProxyStats{}, fmt.Errorf("proxy stats: %w", err)
	}
	return stats, nil
}

// Pool-level ProxyOps.

func (s *Postgres) CreateProxy(ctx context.Context, p *Proxy) error {
	return createProxy(ctx, s.pool, p)
}

func (s *Postgres) GetProxy(ctx context.Context, id int64) (*Proxy, error) {
	return getProxy(ctx, s.pool, id)
}

func (s *Postgres) ListProxies(ctx context.Context) ([]*Proxy, error) {
	return listProxies(ctx, s.pool)
}

func (s *Postgres) LeaseNextProxy(ctx context.Context, now time.Time) (*Proxy, error) {
	return leaseNextProxy(ctx, s.pool, now)
}

func (s *Postgres) MarkProxySuccess(ctx context.Context, id int64) error {
	return markProxySuccess(ctx, s.pool, id)
}

func (s *Postgres) MarkProxyFailure(ctx context.Context, id int64, lastError string) error {
	return markProxyFailure(ctx, s.pool, id, lastError)
}

func (s *Postgres) BlockProxy(ctx context.Context, id int64, until time.Time) error {
	return blockProxy(ctx, s.pool, id, until)
}

func (s *Postgres) SetProxyActive(ctx context.Context, id int64, active bool) error {
	return setProxyActive(ctx, s.pool, id, active)
}

func (s *Postgres) ProxyStatsSnapshot(ctx context.Context, now time.Time) (ProxyStats, error) {
	return proxyStatsSnapshot(ctx, s.pool, now)
}

// Session-scoped ProxyOps.

func (s *pgSession) CreateProxy(ctx context.Context, p *Proxy) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return createProxy(ctx, s.db(), p)
}

func (s *pgSession) GetProxy(ctx context.Context, id int64) (*Proxy, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return getProxy(ctx, s.db(), id)
}

func (s *pgSession) ListProxies(ctx context.Context) ([]*Proxy, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return listProxies(ctx, s.db())
}

func (s *pgSession) LeaseNextProxy(ctx context.Context, now time.Time) (*Proxy, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return leaseNextProxy(ctx, s.db(), now)
}

func (s *pgSession) MarkProxySuccess(ctx context.Context, id int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return markProxySuccess(ctx, s.db(), id)
}

func (s *pgSession) MarkProxyFailure(ctx context.Context, id int64, lastError string) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return markProxyFailure(ctx, s.db(), id, lastError)
}

func (s *pgSession) BlockProxy(ctx context.Context, id int64, until time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return blockProxy(ctx, s.db(), id, until)
}

func (s *pgSession) SetProxyActive(ctx context.Context, id int64, active bool) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return setProxyActive(ctx, s.db(), id, active)
}

func (s *pgSession) ProxyStatsSnapshot(ctx context.Context, now time.Time) (ProxyStats, error) {
	if err := s.enter(); err != nil {
		return ProxyStats{}, err
	}
	defer s.leave()
	return proxyStatsSnapshot(ctx, s.db(), now)
}
