package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andrwknv/steamwatch/internal/observability"
)

// DB is the subset of pgx execution methods shared by pools, dedicated
// connections and transactions. Every query in this package runs against it
// so the same SQL serves pool-level calls and session-scoped calls.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	open map[string]string // session id -> opened-at, for leak reporting
	seq  atomic.Int64
}

// NewPostgres connects, configures the pool and verifies connectivity.
// statementTimeout bounds every statement on every connection; zero keeps
// the server default.
func NewPostgres(ctx context.Context, connString string, statementTimeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second
	if statementTimeout > 0 {
		config.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{pool: pool, open: make(map[string]string)}, nil
}

// Ping verifies connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool. Outstanding sessions are logged as leaks.
func (s *Postgres) Close() {
	s.mu.Lock()
	for id, at := range s.open {
		log.Printf("[store] session %s opened at %s never closed", id, at)
	}
	s.mu.Unlock()
	s.pool.Close()
}

// NewSession acquires a dedicated connection and wraps it in a Session.
func (s *Postgres) NewSession(ctx context.Context) (Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session connection: %w", err)
	}
	id := "s" + strconv.FormatInt(s.seq.Add(1), 10)
	s.mu.Lock()
	s.open[id] = time.Now().UTC().Format(time.RFC3339)
	s.mu.Unlock()
	observability.SessionsOpen.Inc()
	return &pgSession{id: id, conn: conn, store: s}, nil
}

func (s *Postgres) forget(id string) {
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
	observability.SessionsOpen.Dec()
}

// OpenSessions reports how many sessions are currently open.
func (s *Postgres) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// IsTimeout reports whether err is a statement-timeout cancellation
// (Postgres error 57014).
func IsTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "57014"
}

// pgSession is a Session on a dedicated pooled connection. A compare-and-swap
// guard turns concurrent use into ErrSessionBusy instead of a data race.
type pgSession struct {
	id     string
	conn   *pgxpool.Conn
	tx     pgx.Tx
	store  *Postgres
	inUse  atomic.Bool
	closed atomic.Bool
}

func (s *pgSession) ID() string { return s.id }

func (s *pgSession) enter() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.inUse.CompareAndSwap(false, true) {
		return fmt.Errorf("%w (session %s)", ErrSessionBusy, s.id)
	}
	return nil
}

func (s *pgSession) leave() { s.inUse.Store(false) }

// db returns the open transaction when one exists, else the connection.
func (s *pgSession) db() DB {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *pgSession) Begin(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if s.tx != nil {
		return fmt.Errorf("session %s: transaction already open", s.id)
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *pgSession) Commit(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if s.tx == nil {
		return fmt.Errorf("session %s: no open transaction", s.id)
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *pgSession) Rollback(ctx context.Context) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *pgSession) Close(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.tx != nil {
		if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.Printf("[store] session %s rollback on close: %v", s.id, err)
		}
		s.tx = nil
	}
	s.conn.Release()
	s.store.forget(s.id)
}

// observe records store latency for one operation.
func observe(start time.Time) {
	observability.StoreLatency.Observe(time.Since(start).Seconds())
}
