package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, owner_id, name, url, filters, check_interval_seconds, is_active,
	total_checks, items_found, last_check, next_check, created_at, updated_at`

func scanTask(row pgx.Row) (*MonitoringTask, error) {
	var t MonitoringTask
	var intervalSec int64
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.URL, &t.Filters, &intervalSec, &t.IsActive,
		&t.TotalChecks, &t.ItemsFound, &t.LastCheck, &t.NextCheck, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.CheckInterval = time.Duration(intervalSec) * time.Second
	return &t, nil
}

func createTask(ctx context.Context, db DB, t *MonitoringTask) error {
	defer observe(time.Now())
	filters := t.Filters
	if len(filters) == 0 {
		filters = []byte("{}")
	}
	return db.QueryRow(ctx, `
		INSERT INTO monitoring_tasks (owner_id, name, url, filters, check_interval_seconds, is_active, next_check)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		RETURNING id, created_at, updated_at`,
		t.OwnerID, t.Name, t.URL, filters, int64(t.CheckInterval/time.Second), t.IsActive, t.NextCheck,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

func getTask(ctx context.Context, db DB, id int64) (*MonitoringTask, error) {
	defer observe(time.Now())
	t, err := scanTask(db.QueryRow(ctx, `SELECT `+taskColumns+` FROM monitoring_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

func listTasks(ctx context.Context, db DB, onlyActive bool) ([]*MonitoringTask, error) {
	defer observe(time.Now())
	query := `SELECT ` + taskColumns + ` FROM monitoring_tasks ORDER BY id`
	if onlyActive {
		query = `SELECT ` + taskColumns + ` FROM monitoring_tasks WHERE is_active ORDER BY id`
	}
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*MonitoringTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func setTaskActive(ctx context.Context, db DB, id int64, active bool) error {
	defer observe(time.Now())
	// Activation restores a usable next_check so the new loop fires promptly.
	tag, err := db.Exec(ctx, `
		UPDATE monitoring_tasks
		SET is_active = $2,
		    next_check = CASE WHEN $2 AND next_check IS NULL THEN now() ELSE next_check END,
		    updated_at = now()
		WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set task %d active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func deleteTask(ctx context.Context, db DB, id int64) error {
	defer observe(time.Now())
	tag, err := db.Exec(ctx, `DELETE FROM monitoring_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func advanceTaskSchedule(ctx context.Context, db DB, id int64, lastCheck, nextCheck time.Time) error {
	defer observe(time.Now())
	tag, err := db.Exec(ctx, `
		UPDATE monitoring_tasks
		SET last_check = $2, next_check = $3, updated_at = now()
		WHERE id = $1`, id, lastCheck, nextCheck)
	if err != nil {
		return fmt.Errorf("advance task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func rescheduleTask(ctx context.Context, db DB, id int64, nextCheck time.Time) error {
	defer observe(time.Now())
	tag, err := db.Exec(ctx, `
		UPDATE monitoring_tasks SET next_check = $2, updated_at = now() WHERE id = $1`,
		id, nextCheck)
	if err != nil {
		return fmt.Errorf("reschedule task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func incrementTotalChecks(ctx context.Context, db DB, id int64) error {
	defer observe(time.Now())
	tag, err := db.Exec(ctx, `
		UPDATE monitoring_tasks SET total_checks = total_checks + 1, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment total_checks for task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

func addItemsFound(ctx context.Context, db DB, id int64, delta int64) error {
	defer observe(time.Now())
	tag, err := db.Exec(ctx, `
		UPDATE monitoring_tasks SET items_found = items_found + $2, updated_at = now() WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("add items_found for task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// Pool-level TaskOps.

func (s *Postgres) CreateTask(ctx context.Context, t *MonitoringTask) error {
	return createTask(ctx, s.pool, t)
}

func (s *Postgres) GetTask(ctx context.Context, id int64) (*MonitoringTask, error) {
	return getTask(ctx, s.pool, id)
}

func (s *Postgres) ListTasks(ctx context.Context) ([]*MonitoringTask, error) {
	return listTasks(ctx, s.pool, false)
}

func (s *Postgres) ListActiveTasks(ctx context.Context) ([]*MonitoringTask, error) {
	return listTasks(ctx, s.pool, true)
}

func (s *Postgres) SetTaskActive(ctx context.Context, id int64, active bool) error {
	return setTaskActive(ctx, s.pool, id, active)
}

func (s *Postgres) DeleteTask(ctx context.Context, id int64) error {
	return deleteTask(ctx, s.pool, id)
}

func (s *Postgres) AdvanceTaskSchedule(ctx context.Context, id int64, lastCheck, nextCheck time.Time) error {
	return advanceTaskSchedule(ctx, s.pool, id, lastCheck, nextCheck)
}

func (s *Postgres) RescheduleTask(ctx context.Context, id int64, nextCheck time.Time) error {
	return rescheduleTask(ctx, s.pool, id, nextCheck)
}

func (s *Postgres) IncrementTotalChecks(ctx context.Context, id int64) error {
	return incrementTotalChecks(ctx, s.pool, id)
}

func (s *Postgres) AddItemsFound(ctx context.Context, id int64, delta int64) error {
	return addItemsFound(ctx, s.pool, id, delta)
}

// Session-scoped TaskOps.

func (s *pgSession) CreateTask(ctx context.Context, t *MonitoringTask) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return createTask(ctx, s.db(), t)
}

func (s *pgSession) GetTask(ctx context.Context, id int64) (*MonitoringTask, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return getTask(ctx, s.db(), id)
}

func (s *pgSession) ListTasks(ctx context.Context) ([]*MonitoringTask, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return listTasks(ctx, s.db(), false)
}

func (s *pgSession) ListActiveTasks(ctx context.Context) ([]*MonitoringTask, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return listTasks(ctx, s.db(), true)
}

func (s *pgSession) SetTaskActive(ctx context.Context, id int64, active bool) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return setTaskActive(ctx, s.db(), id, active)
}

func (s *pgSession) DeleteTask(ctx context.Context, id int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return deleteTask(ctx, s.db(), id)
}

func (s *pgSession) AdvanceTaskSchedule(ctx context.Context, id int64, lastCheck, nextCheck time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return advanceTaskSchedule(ctx, s.db(), id, lastCheck, nextCheck)
}

func (s *pgSession) RescheduleTask(ctx context.Context, id int64, nextCheck time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return rescheduleTask(ctx, s.db(), id, nextCheck)
}

func (s *pgSession) IncrementTotalChecks(ctx context.Context, id int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return incrementTotalChecks(ctx, s.db(), id)
}

func (s *pgSession) AddItemsFound(ctx context.Context, id int64, delta int64) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	return addItemsFound(ctx, s.db(), id, delta)
}
