package oplog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/block/syncbase/pkg/engine"
	"github.com/block/syncbase/pkg/oplog"
)

func newTestLog(t *testing.T) (*oplog.Log, *engine.Engine) {
	t.Helper()
	ctx := context.Background()
	eng, err := engine.Open(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	log, err := oplog.Open(ctx, eng)
	require.NoError(t, err)
	return log, eng
}

func TestAppendPendingAndFind(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	op := oplog.Operation{
		ID:       oplog.NewID("c1", 1),
		ClientID: "c1",
		LocalSeq: 1,
		Table:    "t",
		Type:     oplog.Insert,
		Data:     map[string]any{"id": "a", "v": float64(1)},
	}
	require.NoError(t, log.AppendPending(ctx, op))
	require.Equal(t, 1, log.PendingCount())

	found, ok := log.FindPendingByID(op.ID)
	require.True(t, ok)
	require.Equal(t, op.ID, found.ID)
}

func TestConfirmByIDAtRemovesFromPending(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	op := oplog.Operation{ID: "c1_1_0", ClientID: "c1", LocalSeq: 1, Table: "t", Type: oplog.Insert, Data: map[string]any{}}
	require.NoError(t, log.AppendPending(ctx, op))

	confirmed, ok, err := log.ConfirmByIDAt(ctx, op.ID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), confirmed.Seq)
	require.Equal(t, 0, log.PendingCount())

	_, ok, err = log.ConfirmByIDAt(ctx, "missing", 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendConfirmedRequiresSeq(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	err := log.AppendConfirmed(ctx, oplog.Operation{ID: "x", Seq: 0})
	require.Error(t, err)
}

func TestSnapshotForPersistIsACopy(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	require.NoError(t, log.AppendPending(ctx, oplog.Operation{ID: "a", LocalSeq: 1, Table: "t", Type: oplog.Insert, Data: map[string]any{}}))
	pending, confirmed := log.SnapshotForPersist()
	require.Len(t, pending, 1)
	require.Len(t, confirmed, 0)

	pending[0].ID = "mutated"
	again, _ := log.SnapshotForPersist()
	require.Equal(t, "a", again[0].ID)
}

func TestReloadRebuildsPendingQueue(t *testing.T) {
	ctx := context.Background()
	eng, err := engine.Open(ctx, nil)
	require.NoError(t, err)
	defer eng.Close()

	log, err := oplog.Open(ctx, eng)
	require.NoError(t, err)
	require.NoError(t, log.AppendPending(ctx, oplog.Operation{ID: "a", LocalSeq: 1, Table: "t", Type: oplog.Insert, Data: map[string]any{"v": float64(1)}}))

	blob, err := eng.Serialize()
	require.NoError(t, err)

	reloaded, err := engine.Open(ctx, blob)
	require.NoError(t, err)
	defer reloaded.Close()

	reloadedLog, err := oplog.Open(ctx, reloaded)
	require.NoError(t, err)
	require.Equal(t, 1, reloadedLog.PendingCount())
}
