// Package oplog implements the Operation Log: the in-memory and persisted
// record of every mutation a client has made, split between a pending queue
// of unconfirmed operations and a confirmed log of authority-ordered ones.
package oplog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/block/syncbase/pkg/engine"
)

// OpType is one of the three mutation kinds an Operation can carry.
type OpType string

const (
	Insert OpType = "INSERT"
	Update OpType = "UPDATE"
	Delete OpType = "DELETE"
)

// WhereKey is the reserved data key carrying an UPDATE/DELETE predicate.
// It must be stripped before SQL column projection.
const WhereKey = "_where"

// Operation is a replayable mutation record.
type Operation struct {
	ID       string         `json:"id"`
	ClientID string         `json:"clientId"`
	LocalSeq int64          `json:"localSeq"`
	Seq      int64          `json:"seq"` // 0 while pending
	Table    string         `json:"table"`
	Type     OpType         `json:"type"`
	Data     map[string]any `json:"data"`
}

// NewID builds an operation id of the form <clientId>_<localSeq>_<wallclockMs>.
// Uniqueness relies on clientId+localSeq alone; the timestamp component is
// kept only for debuggability (see DESIGN.md).
func NewID(clientID string, localSeq int64) string {
	return fmt.Sprintf("%s_%d_%d", clientID, localSeq, time.Now().UnixMilli())
}

// RandomClientID generates a fresh stable client identifier.
func RandomClientID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("oplog: generating client id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Sink receives operations emitted by a producer. Nothing in this module
// implements or calls it: pkg/syncclient builds and records operations
// itself, and pkg/engine holds no reference to oplog or to the sync layer.
type Sink interface {
	Accept(op Operation)
}

const createOpsTable = `CREATE TABLE IF NOT EXISTS _ops (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	local_seq INTEGER NOT NULL,
	table_name TEXT NOT NULL,
	op_type TEXT NOT NULL,
	data TEXT NOT NULL,
	client_id TEXT NOT NULL,
	confirmed INTEGER NOT NULL
)`

// Log is the Operation Log: an ordered pending queue plus a confirmed log,
// backed by the _ops table inside the embedded engine for persistence.
type Log struct {
	eng *engine.Engine

	pending   []Operation // ordered by localSeq
	confirmed []Operation // ordered by seq
}

// Open creates the _ops table if missing and loads persisted pending rows
// back into memory. Confirmed rows are not reloaded into the in-memory
// confirmed slice by design: confirmedSeq/savepointSeq are reconstructed as
// 0 on reload (see spec §4.F), and the confirmed log's authoritative source
// of truth after a reload is the engine's own applied state, not a replayed
// list of past operations.
func Open(ctx context.Context, eng *engine.Engine) (*Log, error) {
	if _, err := eng.Exec(ctx, createOpsTable); err != nil {
		return nil, fmt.Errorf("oplog: creating _ops table: %w", err)
	}
	l := &Log{eng: eng}
	if err := l.loadPending(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) loadPending(ctx context.Context) error {
	cols, rows, err := l.eng.Query(ctx, `SELECT id, local_seq, table_name, op_type, data, client_id FROM _ops WHERE confirmed = 0 ORDER BY local_seq ASC`)
	if err != nil {
		return fmt.Errorf("oplog: loading pending rows: %w", err)
	}
	_ = cols
	for _, row := range rows {
		op := Operation{
			ID:       row[0].(string),
			LocalSeq: row[1].(int64),
			Table:    row[2].(string),
			Type:     OpType(row[3].(string)),
			ClientID: row[5].(string),
		}
		if err := json.Unmarshal([]byte(row[4].(string)), &op.Data); err != nil {
			return fmt.Errorf("oplog: decoding data for %s: %w", op.ID, err)
		}
		l.pending = append(l.pending, op)
	}
	return nil
}

// AppendPending adds op to the pending queue and persists it. op must not
// already carry a seq.
func (l *Log) AppendPending(ctx context.Context, op Operation) error {
	if op.Seq != 0 {
		return errors.New("oplog: pending operation must not have a seq")
	}
	data, err := json.Marshal(op.Data)
	if err != nil {
		return fmt.Errorf("oplog: encoding data for %s: %w", op.ID, err)
	}
	_, err = l.eng.Exec(ctx,
		`INSERT OR REPLACE INTO _ops (id, seq, local_seq, table_name, op_type, data, client_id, confirmed) VALUES (?, 0, ?, ?, ?, ?, ?, 0)`,
		op.ID, op.LocalSeq, op.Table, string(op.Type), string(data), op.ClientID)
	if err != nil {
		return fmt.Errorf("oplog: persisting pending op %s: %w", op.ID, err)
	}
	l.pending = append(l.pending, op)
	return nil
}

// ConfirmByIDAt removes the pending operation matching id (if present),
// assigns it seq, and appends it to the confirmed log. It returns false if
// no pending operation with that id existed.
func (l *Log) ConfirmByIDAt(ctx context.Context, id string, seq int64) (Operation, bool, error) {
	idx := -1
	for i, op := range l.pending {
		if op.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Operation{}, false, nil
	}
	op := l.pending[idx]
	op.Seq = seq
	l.pending = append(l.pending[:idx], l.pending[idx+1:]...)
	l.confirmed = append(l.confirmed, op)

	_, err := l.eng.Exec(ctx, `UPDATE _ops SET seq = ?, confirmed = 1 WHERE id = ?`, seq, id)
	if err != nil {
		return Operation{}, false, fmt.Errorf("oplog: confirming %s: %w", id, err)
	}
	return op, true, nil
}

// AppendConfirmed appends a remote operation directly to the confirmed log
// (it was never pending on this client) and persists it as confirmed.
func (l *Log) AppendConfirmed(ctx context.Context, op Operation) error {
	if op.Seq <= 0 {
		return errors.New("oplog: confirmed operation must have seq > 0")
	}
	data, err := json.Marshal(op.Data)
	if err != nil {
		return fmt.Errorf("oplog: encoding data for %s: %w", op.ID, err)
	}
	_, err = l.eng.Exec(ctx,
		`INSERT OR REPLACE INTO _ops (id, seq, local_seq, table_name, op_type, data, client_id, confirmed) VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		op.ID, op.Seq, op.LocalSeq, op.Table, string(op.Type), string(data), op.ClientID)
	if err != nil {
		return fmt.Errorf("oplog: persisting confirmed op %s: %w", op.ID, err)
	}
	l.confirmed = append(l.confirmed, op)
	return nil
}

// FindPendingByID returns the pending operation with the given id, if any.
func (l *Log) FindPendingByID(id string) (Operation, bool) {
	for _, op := range l.pending {
		if op.ID == id {
			return op, true
		}
	}
	return Operation{}, false
}

// IteratePending returns the pending queue in localSeq order. Callers must
// not mutate the returned slice.
func (l *Log) IteratePending() []Operation {
	return l.pending
}

// PendingCount returns the number of unconfirmed operations.
func (l *Log) PendingCount() int {
	return len(l.pending)
}

// RemovePending drops id from the in-memory pending queue without marking
// it confirmed. Used during gap-ahead handling, where a duplicate local op
// is superseded without going through ConfirmByIDAt.
func (l *Log) RemovePending(id string) {
	for i, op := range l.pending {
		if op.ID == id {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

// SnapshotForPersist returns copies of the pending and confirmed slices for
// the persistence layer to serialize alongside the engine blob.
func (l *Log) SnapshotForPersist() (pending, confirmed []Operation) {
	p := make([]Operation, len(l.pending))
	copy(p, l.pending)
	c := make([]Operation, len(l.confirmed))
	copy(c, l.confirmed)
	return p, c
}
