// Package persist writes the engine blob to the blob store after every
// reconciler transition that advances confirmedSeq and after every local
// mutation, and reloads it on init. The small metadata record
// (localSeqCounter) lives in an engine-internal _meta table, the same way
// pkg/oplog keeps pending/confirmed operations in an engine-internal _ops
// table: both end up durable the moment the engine blob itself is
// serialized, so the blob store only ever sees two top-level keys per
// namespace (the blob and the client id).
package persist

import (
	"context"
	"fmt"
	"strconv"

	"github.com/block/syncbase/pkg/engine"
	"github.com/block/syncbase/pkg/store"
)

const (
	keyDBBlob   = "db_blob"
	keyClientID = "client_id"
)

const createMetaTable = `CREATE TABLE IF NOT EXISTS _meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

const localSeqCounterKey = "localSeqCounter"

// Persister ties an engine and a blob store together under a namespace
// (the database name), so multiple clients can share one store file.
type Persister struct {
	blob      *store.Store
	namespace string
}

// New returns a Persister writing to ns within blob.
func New(blob *store.Store, ns string) *Persister {
	return &Persister{blob: blob, namespace: ns}
}

// LoadClientID returns the persisted client id, or "" if none exists yet.
func (p *Persister) LoadClientID() (string, error) {
	b, err := p.blob.Get(p.namespace, keyClientID)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SaveClientID persists the stable client identifier.
func (p *Persister) SaveClientID(id string) error {
	return p.blob.Put(p.namespace, keyClientID, []byte(id))
}

// LoadEngineBlob returns the previously persisted serialized engine state,
// or nil if none exists (a fresh database).
func (p *Persister) LoadEngineBlob() ([]byte, error) {
	return p.blob.Get(p.namespace, keyDBBlob)
}

// LoadLocalSeqCounter returns the persisted localSeqCounter from the
// engine's _meta table, or 0 if none exists yet.
func (p *Persister) LoadLocalSeqCounter(ctx context.Context, eng *engine.Engine) (int64, error) {
	if err := ensureMetaTable(ctx, eng); err != nil {
		return 0, err
	}
	_, rows, err := eng.Query(ctx, `SELECT value FROM _meta WHERE key = ?`, localSeqCounterKey)
	if err != nil {
		return 0, fmt.Errorf("persist: loading local seq counter: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	v, ok := rows[0][0].(string)
	if !ok {
		return 0, fmt.Errorf("persist: unexpected type for local seq counter")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("persist: decoding local seq counter: %w", err)
	}
	return n, nil
}

// Persist writes localSeqCounter into the engine's _meta table, then
// serializes eng and writes the resulting blob to the store. Pending/
// confirmed operation rows are already durable inside the engine blob
// itself (the _ops table), so nothing further is written for them here.
func (p *Persister) Persist(ctx context.Context, eng *engine.Engine, localSeqCounter int64) error {
	if err := ensureMetaTable(ctx, eng); err != nil {
		return err
	}
	_, err := eng.Exec(ctx, `INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`,
		localSeqCounterKey, strconv.FormatInt(localSeqCounter, 10))
	if err != nil {
		return fmt.Errorf("persist: writing local seq counter: %w", err)
	}

	blob, err := eng.Serialize()
	if err != nil {
		return fmt.Errorf("persist: serializing engine: %w", err)
	}
	if err := p.blob.Put(p.namespace, keyDBBlob, blob); err != nil {
		return fmt.Errorf("persist: writing engine blob: %w", err)
	}
	return nil
}

func ensureMetaTable(ctx context.Context, eng *engine.Engine) error {
	if _, err := eng.Exec(ctx, createMetaTable); err != nil {
		return fmt.Errorf("persist: creating _meta table: %w", err)
	}
	return nil
}
