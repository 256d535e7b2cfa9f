// Package store persists rulesets, groups, rules, listings and computed
// valuations on top of the named queries in internal/core/db.
//
// A *Store is bound either to the connection pool or to one transaction
// (see InTx). Every write that must be atomic - hydration, import, adopt,
// baseline ingestion - runs through InTx or WithRulesetLock so all rows
// commit together or none do.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/dealbrain/dealbrain/internal/core/db"
	"github.com/dealbrain/dealbrain/internal/types"
)

// Store is the SQL-backed persistence layer.
type Store struct {
	pool  *sqlx.DB
	q     *db.Queries
	locks *keyedMutex
	inTx  bool
	now   func() time.Time
}

// New loads the named queries and binds them to pool.
func New(pool *sqlx.DB) (*Store, error) {
	q, err := db.LoadQueries(pool)
	if err != nil {
		return nil, err
	}
	return &Store{
		pool:  pool,
		q:     q,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Queries exposes the pool-bound named queries for collaborators that run
// their own statements (API key authentication).
func (s *Store) Queries() *db.Queries { return s.q }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.PingContext(ctx)
}

// InTx runs fn inside a transaction. fn receives a Store bound to the
// transaction; returning an error rolls everything back. Nested calls reuse
// the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &Store{pool: s.pool, q: s.q.WithTx(tx), locks: s.locks, inTx: true, now: s.now}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WithRulesetLock runs fn in a transaction that holds the ruleset's lock.
// Within one process a keyed mutex serializes callers; across processes
// PostgreSQL takes pg_advisory_xact_lock, and SQLite's immediate
// transactions hold the database write lock from BEGIN.
func (s *Store) WithRulesetLock(ctx context.Context, id types.RulesetID, fn func(tx *Store) error) error {
	unlock, err := s.locks.Lock(ctx, string(id))
	if err != nil {
		return err
	}
	defer unlock()

	return s.InTx(ctx, func(tx *Store) error {
		if !db.IsSQLite(tx.q) {
			if _, err := tx.q.Exec(ctx, "lock-ruleset-pg", string(id)); err != nil {
				return fmt.Errorf("failed to lock ruleset %s: %w", id, err)
			}
		}
		return fn(tx)
	})
}

// notFound maps sql.ErrNoRows to a typed not-found error.
func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewNotFound(kind, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}

// writeErr maps unique-constraint violations to conflicts.
func writeErr(err error, what string) error {
	if isUniqueViolation(err) {
		return types.NewConflict("%s already exists", what)
	}
	return fmt.Errorf("failed to write %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// checkAffected turns a zero-row update into not-found.
func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NewNotFound(kind, id)
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (types.Metadata, error) {
	if s == "" || s == "null" {
		return types.Metadata{}, nil
	}
	var m types.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = types.Metadata{}
	}
	return m, nil
}
