package syncclient_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/syncbase/pkg/logutil"
	"github.com/block/syncbase/pkg/oplog"
	"github.com/block/syncbase/pkg/syncclient"
	"github.com/block/syncbase/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newConfig(t *testing.T, dbName string) syncclient.Config {
	t.Helper()
	cfg := syncclient.NewConfig(dbName, filepath.Join(t.TempDir(), dbName+".db"))
	cfg.Logger = logutil.Discard()
	return cfg
}

// S1: solo offline mutation then reload.
func TestSoloOfflineMutationThenReload(t *testing.T) {
	ctx := context.Background()
	cfg := newConfig(t, "s1")

	client, err := syncclient.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, client.CreateTable(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY, v INT)"))
	require.NoError(t, client.Insert(ctx, "t", map[string]any{"id": "a", "v": 1}))

	result, err := client.Query(ctx, "SELECT id, v FROM t")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, 1, client.PendingCount())
	require.EqualValues(t, 1, client.LocalSeqCounter())
	require.NoError(t, client.Close(ctx))

	// Reopen against the same store/namespace.
	reopened, err := syncclient.Open(ctx, cfg)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	result, err = reopened.Query(ctx, "SELECT id, v FROM t")
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.Equal(t, 1, reopened.PendingCount())
	require.EqualValues(t, 1, reopened.LocalSeqCounter())
}

// S2: in-order confirmation, driven through a loopback room.
func TestInOrderConfirmation(t *testing.T) {
	ctx := context.Background()
	room := transport.NewLoopback()

	cfg := newConfig(t, "s2")
	client, err := syncclient.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, client.CreateTable(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY, v INT)"))
	require.NoError(t, client.Insert(ctx, "t", map[string]any{"id": "a", "v": 1}))
	require.Equal(t, 1, client.PendingCount())
	require.NoError(t, client.Close(ctx))

	// Reopen the same store/namespace, now connected to a room: the
	// persisted pending op is re-flushed and the authority echoes it back
	// at seq=1, since the loopback room is its own sole client here.
	cfg.Transport = room
	cfg.RoomID = "room"
	connected, err := syncclient.Open(ctx, cfg)
	require.NoError(t, err)
	defer connected.Close(ctx)

	require.Equal(t, 0, connected.PendingCount())
	require.EqualValues(t, 1, connected.ConfirmedSeq())
	require.EqualValues(t, 1, connected.SavepointSeq())
}

// S6: reconnect flush — three pending ops are sent in localSeq order.
func TestReconnectFlushesPendingInOrder(t *testing.T) {
	ctx := context.Background()
	room := transport.NewLoopback()

	var received []oplog.Operation
	cfg := newConfig(t, "s6")

	offlineClient, err := syncclient.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, offlineClient.CreateTable(ctx, "CREATE TABLE t (id TEXT PRIMARY KEY, v INT)"))
	require.NoError(t, offlineClient.Insert(ctx, "t", map[string]any{"id": "a", "v": 1}))
	require.NoError(t, offlineClient.Insert(ctx, "t", map[string]any{"id": "b", "v": 2}))
	require.NoError(t, offlineClient.Insert(ctx, "t", map[string]any{"id": "c", "v": 3}))
	require.Equal(t, 3, offlineClient.PendingCount())
	require.NoError(t, offlineClient.Close(ctx))

	observerCfg := newConfig(t, "observer")
	observerCfg.Transport = room
	observerCfg.RoomID = "room"
	observerCfg.Callbacks.OnInput = func(op oplog.Operation) {
		received = append(received, op)
	}
	observer, err := syncclient.Open(ctx, observerCfg)
	require.NoError(t, err)
	defer observer.Close(ctx)

	cfg.Transport = room
	cfg.RoomID = "room"
	reconnected, err := syncclient.Open(ctx, cfg)
	require.NoError(t, err)
	defer reconnected.Close(ctx)

	require.Len(t, received, 3)
	require.Equal(t, int64(1), received[0].LocalSeq)
	require.Equal(t, int64(2), received[1].LocalSeq)
	require.Equal(t, int64(3), received[2].LocalSeq)
}

func TestNotInitializedBeforeOpen(t *testing.T) {
	var client syncclient.Client
	err := client.CreateTable(context.Background(), "CREATE TABLE t (id TEXT)")
	require.ErrorIs(t, err, syncclient.ErrNotInitialized)
}

