// Package reconcile implements the Reconciler: the state machine that
// accepts authority-ordered operations, confirms or rejects local pending
// operations, and rolls back + replays when local optimistic order and
// authoritative order diverge.
package reconcile

import (
	"context"
	"fmt"

	"github.com/siddontang/loggers"

	"github.com/block/syncbase/pkg/apply"
	"github.com/block/syncbase/pkg/checkpoint"
	"github.com/block/syncbase/pkg/oplog"
)

// Transition identifies which of the four branches a call to Reconcile
// took. Tests assert on this to pin down behavior precisely.
type Transition int

const (
	TransitionDuplicate Transition = iota
	TransitionLocalConfirmed
	TransitionRemoteApplied
	TransitionRemoteAppliedWithReplay
	TransitionGapAhead
)

func (t Transition) String() string {
	switch t {
	case TransitionDuplicate:
		return "duplicate"
	case TransitionLocalConfirmed:
		return "local-confirmed"
	case TransitionRemoteApplied:
		return "remote-applied"
	case TransitionRemoteAppliedWithReplay:
		return "remote-applied-with-replay"
	case TransitionGapAhead:
		return "gap-ahead"
	default:
		return "unknown"
	}
}

// Reconciler owns confirmedSeq and drives the oplog, applier and
// checkpoint manager in response to authority-ordered input. It holds no
// internal lock: the caller (pkg/syncclient.Client) is responsible for
// serializing access, matching the single-threaded-cooperative model the
// sync core assumes.
type Reconciler struct {
	log     *oplog.Log
	applier *apply.Applier
	cp      *checkpoint.Manager
	logger  loggers.Advanced

	confirmedSeq int64
}

// New returns a Reconciler with confirmedSeq starting at 0, as it always
// does after a reload (see spec §4.F).
func New(log *oplog.Log, applier *apply.Applier, cp *checkpoint.Manager, logger loggers.Advanced) *Reconciler {
	return &Reconciler{log: log, applier: applier, cp: cp, logger: logger}
}

// ConfirmedSeq returns the highest seq incorporated into the confirmed
// state.
func (r *Reconciler) ConfirmedSeq() int64 {
	return r.confirmedSeq
}

// Reconcile feeds a single confirmed (seq-assigned) operation through the
// state machine, mutating the oplog, applier and checkpoint as needed, and
// reports which transition was taken.
func (r *Reconciler) Reconcile(ctx context.Context, op oplog.Operation) (Transition, error) {
	if op.Seq <= 0 {
		return 0, fmt.Errorf("reconcile: operation %s has no assigned seq", op.ID)
	}

	expected := r.confirmedSeq + 1
	_, isLocal := r.log.FindPendingByID(op.ID)

	switch {
	case op.Seq <= r.confirmedSeq:
		// 1. Duplicate: drop, no state change.
		return TransitionDuplicate, nil

	case op.Seq == expected && isLocal:
		// 2. In-order confirmation of a local op: the optimistic state
		// already reflects it. No replay needed.
		_, ok, err := r.log.ConfirmByIDAt(ctx, op.ID, op.Seq)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("reconcile: op %s vanished from pending queue", op.ID)
		}
		r.confirmedSeq = op.Seq
		if err := r.cp.EstablishAt(ctx, r.confirmedSeq); err != nil {
			return 0, err
		}
		return TransitionLocalConfirmed, nil

	case op.Seq == expected && !isLocal:
		// 3. In-order apply of a remote op.
		if err := r.log.AppendConfirmed(ctx, op); err != nil {
			return 0, err
		}
		r.confirmedSeq = op.Seq

		if r.log.PendingCount() == 0 {
			r.applier.Apply(ctx, op)
			if err := r.cp.EstablishAt(ctx, r.confirmedSeq); err != nil {
				return 0, err
			}
			return TransitionRemoteApplied, nil
		}

		// Applying the remote op now would put it after the pendings,
		// but it precedes them in authoritative order: rollback-replay.
		if err := r.cp.Rollback(ctx); err != nil {
			return 0, err
		}
		r.applier.Apply(ctx, op)
		for _, pending := range r.log.IteratePending() {
			r.applier.Apply(ctx, pending)
		}
		if err := r.cp.EstablishAt(ctx, r.confirmedSeq); err != nil {
			return 0, err
		}
		return TransitionRemoteAppliedWithReplay, nil

	default: // op.Seq > expected
		// 4. Gap ahead: apply anyway, advance confirmedSeq, warn. No
		// checkpoint advance (checkpoint anchors are meant to be
		// gap-free).
		r.logger.Warnf("reconcile: gap ahead, expected seq %d but got %d (missing %d operations)", expected, op.Seq, op.Seq-expected)
		if isLocal {
			r.log.RemovePending(op.ID)
		}
		if err := r.log.AppendConfirmed(ctx, op); err != nil {
			return 0, err
		}
		r.confirmedSeq = op.Seq
		r.applier.Apply(ctx, op)
		return TransitionGapAhead, nil
	}
}

// Hydrate processes an ascending-seq ordered snapshot of historical inputs
// (delivered on joining a room), treating each as a confirmed arrival, then
// establishes the checkpoint at the final confirmedSeq.
func (r *Reconciler) Hydrate(ctx context.Context, ops []oplog.Operation) error {
	for _, op := range ops {
		if _, err := r.Reconcile(ctx, op); err != nil {
			return fmt.Errorf("reconcile: hydrating op %s: %w", op.ID, err)
		}
	}
	if r.confirmedSeq > 0 {
		if err := r.cp.EstablishAt(ctx, r.confirmedSeq); err != nil {
			return err
		}
	}
	return nil
}
