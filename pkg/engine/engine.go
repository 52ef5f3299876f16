// Package engine wraps the embedded SQL engine the sync core applies
// operations against. It is backed by an in-process SQLite database and
// exposes the narrow surface the reconciler needs: execute SQL, take and
// restore named savepoints, and serialize the whole database to bytes and
// back.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrEngineLoadFailed is returned by Open when the engine cannot be
// constructed or an existing blob cannot be deserialized into it.
var ErrEngineLoadFailed = errors.New("engine: load failed")

// driverName is registered once per process. Every Engine opens the same
// bare ":memory:" DSN through it; each *sql.DB still gets its own private
// in-memory database (see Open), so multiple Engines never share state.
const driverName = "sqlite3_syncbase"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{})
}

// Engine is the embedded SQL engine. It owns exactly one *sql.DB and the
// single underlying driver connection needed for Serialize/Deserialize and
// savepoint management, since sqlite3's serialize API operates on a
// connection, not a pool.
type Engine struct {
	db      *sql.DB
	conn    *sql.Conn
	rawConn *sqlite3.SQLiteConn
}

// Open creates a fresh in-memory engine, then loads blob into it if blob is
// non-empty.
func Open(ctx context.Context, blob []byte) (*Engine, error) {
	// A bare ":memory:" DSN gives each *sql.DB its own private database, as
	// long as only one connection to it is ever opened (below) — no
	// cache=shared is needed, and using it would leak state across
	// unrelated Engines opened in the same process.
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineLoadFailed, err)
	}
	db.SetMaxOpenConns(1) // a single logical connection owns the raw sqlite3 handle

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrEngineLoadFailed, err)
	}

	e := &Engine{db: db, conn: conn}
	if err := conn.Raw(func(driverConn any) error {
		raw, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return errors.New("engine: unexpected driver connection type")
		}
		e.rawConn = raw
		return nil
	}); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrEngineLoadFailed, err)
	}

	if len(blob) > 0 {
		if err := e.deserialize(blob); err != nil {
			_ = conn.Close()
			_ = db.Close()
			return nil, fmt.Errorf("%w: %w", ErrEngineLoadFailed, err)
		}
	}
	return e, nil
}

// Exec runs a mutating statement with args.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.conn.ExecContext(ctx, query, args...)
}

// Query runs a read-only statement and returns matching rows plus the
// column names, fully materialized (no open cursor survives the call).
func (e *Engine) Query(ctx context.Context, query string, args ...any) (columns []string, rows [][]any, err error) {
	r, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	columns, err = r.Columns()
	if err != nil {
		return nil, nil, err
	}
	for r.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := r.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		rows = append(rows, vals)
	}
	return columns, rows, r.Err()
}

// Savepoint establishes a named savepoint.
func (e *Engine) Savepoint(ctx context.Context, name string) error {
	_, err := e.conn.ExecContext(ctx, "SAVEPOINT "+name)
	return err
}

// Release releases a named savepoint. Callers should treat failure as
// non-fatal: the savepoint may already be gone after a reload.
func (e *Engine) Release(ctx context.Context, name string) error {
	_, err := e.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// RollbackTo rolls the engine back to a named savepoint without releasing
// it, matching SQLite's ROLLBACK TO semantics.
func (e *Engine) RollbackTo(ctx context.Context, name string) error {
	_, err := e.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

// Serialize returns the whole database as a byte slice, suitable for
// writing to the blob store.
func (e *Engine) Serialize() ([]byte, error) {
	if e.rawConn == nil {
		return nil, errors.New("engine: no raw connection")
	}
	return e.rawConn.Serialize("main")
}

// deserialize loads blob into the "main" database, replacing its contents.
func (e *Engine) deserialize(blob []byte) error {
	if e.rawConn == nil {
		return errors.New("engine: no raw connection")
	}
	return e.rawConn.Deserialize(blob, "main")
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
