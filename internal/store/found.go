package store

import (
	"context"
	"fmt"
	"time"
)

// insertFoundItem relies on the unique (task_id, fingerprint) constraint:
// a second delivery of the same listing conflicts and reports inserted=false,
// which is what keeps notifications at-most-once.
func insertFoundItem(ctx context.Context, db DB, item *FoundItem) (bool, error) {
	defer observe(time.Now())
	raw := item.Raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	tag, err := db.Exec(ctx, `
		INSERT INTO found_items (task_id, fingerprint, item_name, price_cents, raw)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id, fingerprint) DO NOTHING`,
		item.TaskID, item.Fingerprint, item.ItemName, item.PriceCents, raw)
	if err != nil {
		return false, fmt.Errorf("insert found item (task %d): %w", item.TaskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func listFoundItems(ctx context.Context, db DB, taskID int64, limit int) ([]*FoundItem, error) {
	defer observe(time.Now())
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(ctx, `
		SELECT id, task_id, fingerprint, item_name, price_cents, raw, first_seen_at
		FROM found_items
		WHERE task_id = $1
		ORDER BY first_seen_at DESC, id DESC
		LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list found items: %w", err)
	}
	defer rows.Close()

	var items []*FoundItem
	for rows.Next() {
		var it FoundItem
		if err := rows.Scan(&it.ID, &it.TaskID, &it.Fingerprint, &it.ItemName, &it.PriceCents, &it.Raw, &it.FirstSeenAt); err != nil {
			return nil, fmt.Errorf("scan found item: %w", err)
		}
		items = append(items, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list found items: %w", err)
	}
	return items, nil
}

// Pool-level FoundItemOps.

func (s *Postgres) InsertFoundItem(ctx context.Context, item *FoundItem) (bool, error) {
	return insertFoundItem(ctx, s.pool, item)
}

func (s *Postgres) ListFoundItems(ctx context.Context, taskID int64, limit int) ([]*FoundItem, error) {
	return listFoundItems(ctx, s.pool, taskID, limit)
}

// Session-scoped FoundItemOps.

func (s *pgSession) InsertFoundItem(ctx context.Context, item *FoundItem) (bool, error) {
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.leave()
	return insertFoundItem(ctx, s.db(), item)
}

func (s *pgSession) ListFoundItems(ctx context.Context, taskID int64, limit int) ([]*FoundItem, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return listFoundItems(ctx, s.db(), taskID, limit)
}
