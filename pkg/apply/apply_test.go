package apply_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/block/syncbase/pkg/apply"
	"github.com/block/syncbase/pkg/engine"
	"github.com/block/syncbase/pkg/logutil"
	"github.com/block/syncbase/pkg/oplog"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	_, err = eng.Exec(context.Background(), "CREATE TABLE t (id TEXT PRIMARY KEY, v INT)")
	require.NoError(t, err)
	return eng
}

func TestApplyInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	a := apply.New(eng, logutil.Discard())

	op := oplog.Operation{Table: "t", Type: oplog.Insert, Data: map[string]any{"id": "x", "v": 1}}
	a.Apply(ctx, op)
	a.Apply(ctx, op)

	_, rows, err := eng.Query(ctx, "SELECT v FROM t WHERE id = 'x'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 1, rows[0][0])
}

func TestApplyUpdateUsesWherePredicate(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	a := apply.New(eng, logutil.Discard())

	a.Apply(ctx, oplog.Operation{Table: "t", Type: oplog.Insert, Data: map[string]any{"id": "x", "v": 1}})
	a.Apply(ctx, oplog.Operation{Table: "t", Type: oplog.Update, Data: map[string]any{
		"v":           9,
		oplog.WhereKey: map[string]any{"id": "x"},
	}})

	_, rows, err := eng.Query(ctx, "SELECT v FROM t WHERE id = 'x'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 9, rows[0][0])
}

func TestApplyDelete(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	a := apply.New(eng, logutil.Discard())

	a.Apply(ctx, oplog.Operation{Table: "t", Type: oplog.Insert, Data: map[string]any{"id": "x", "v": 1}})
	a.Apply(ctx, oplog.Operation{Table: "t", Type: oplog.Delete, Data: map[string]any{
		oplog.WhereKey: map[string]any{"id": "x"},
	}})

	_, rows, err := eng.Query(ctx, "SELECT v FROM t WHERE id = 'x'")
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestApplyFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	a := apply.New(eng, logutil.Discard())

	// References a table that doesn't exist; must not panic or propagate.
	require.NotPanics(t, func() {
		a.Apply(ctx, oplog.Operation{Table: "missing", Type: oplog.Insert, Data: map[string]any{"id": "x"}})
	})
}

func TestApplyDoesNotMutateOperation(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	a := apply.New(eng, logutil.Discard())

	where := map[string]any{"id": "x"}
	op := oplog.Operation{Table: "t", Type: oplog.Update, Data: map[string]any{"v": 2, oplog.WhereKey: where}}
	a.Apply(ctx, op)

	require.Contains(t, op.Data, oplog.WhereKey)
	require.Equal(t, where, op.Data[oplog.WhereKey])
}
