// Package checkpoint maintains a single named savepoint at the
// last-confirmed engine state, so the reconciler can cheaply roll back and
// replay pending operations atop a new remote operation.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/siddontang/loggers"

	"github.com/block/syncbase/pkg/engine"
)

// Manager owns the single live checkpoint. Only one checkpoint exists at a
// time; establishing a new one releases the previous.
type Manager struct {
	eng    *engine.Engine
	logger loggers.Advanced

	savepointSeq int64 // 0 means no checkpoint
}

// New returns a Manager with no live checkpoint.
func New(eng *engine.Engine, logger loggers.Advanced) *Manager {
	return &Manager{eng: eng, logger: logger}
}

// SavepointSeq returns the seq the current checkpoint was established at,
// or 0 if none exists.
func (m *Manager) SavepointSeq() int64 {
	return m.savepointSeq
}

func label(seq int64) string {
	return fmt.Sprintf("cp_%d", seq)
}

// EstablishAt releases the previous checkpoint (if any, non-fatally) and
// creates a new one at the current engine state, recording savepointSeq =
// seq.
func (m *Manager) EstablishAt(ctx context.Context, seq int64) error {
	if m.savepointSeq > 0 {
		if err := m.eng.Release(ctx, label(m.savepointSeq)); err != nil {
			// Release failures are non-fatal: the named checkpoint may not
			// exist after a reload. The new one replaces it.
			m.logger.Debugf("checkpoint: release of %s failed (non-fatal): %v", label(m.savepointSeq), err)
		}
	}
	if err := m.eng.Savepoint(ctx, label(seq)); err != nil {
		return fmt.Errorf("checkpoint: establishing at seq %d: %w", seq, err)
	}
	m.savepointSeq = seq
	return nil
}

// Rollback rolls the engine back to the current checkpoint without
// releasing it, so a subsequent replay still has the anchor.
func (m *Manager) Rollback(ctx context.Context) error {
	if m.savepointSeq == 0 {
		// CheckpointMissing: swallowed, checkpoint recreated on next advance.
		m.logger.Warnf("checkpoint: rollback requested but no checkpoint exists")
		return nil
	}
	if err := m.eng.RollbackTo(ctx, label(m.savepointSeq)); err != nil {
		m.logger.Warnf("checkpoint: rollback to %s failed (non-fatal): %v", label(m.savepointSeq), err)
	}
	return nil
}

// Drop releases the current checkpoint and forgets it. Failure is
// non-fatal.
func (m *Manager) Drop(ctx context.Context) {
	if m.savepointSeq == 0 {
		return
	}
	if err := m.eng.Release(ctx, label(m.savepointSeq)); err != nil {
		m.logger.Debugf("checkpoint: drop of %s failed (non-fatal): %v", label(m.savepointSeq), err)
	}
	m.savepointSeq = 0
}
