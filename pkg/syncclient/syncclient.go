// Package syncclient is the public façade over the sync core: init,
// createTable, insert, update, delete, query, close, plus the id/isOnline/
// pendingCount properties and the connection-lifecycle callbacks.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/siddontang/loggers"

	"github.com/block/syncbase/pkg/apply"
	"github.com/block/syncbase/pkg/checkpoint"
	"github.com/block/syncbase/pkg/engine"
	"github.com/block/syncbase/pkg/logutil"
	"github.com/block/syncbase/pkg/oplog"
	"github.com/block/syncbase/pkg/persist"
	"github.com/block/syncbase/pkg/reconcile"
	"github.com/block/syncbase/pkg/statement"
	"github.com/block/syncbase/pkg/store"
	"github.com/block/syncbase/pkg/transport"
)

// ErrNotInitialized is returned by public calls made before Open has
// completed successfully.
var ErrNotInitialized = errors.New("syncclient: not initialized")

// Callbacks are the user-level effects the adapter fires after the
// reconciler has finished the corresponding state transition and
// persistence.
type Callbacks struct {
	OnRoomCreate func()
	OnConnect    func(snapshot []byte, ops []oplog.Operation)
	OnInput      func(op oplog.Operation)
	OnDisconnect func()
}

// Config configures a Client, mirroring the field-by-field defaulting
// style of dbconn.DBConfig/NewDBConfig.
type Config struct {
	// DBName namespaces this client's keys within the blob store, so
	// multiple databases can share one store file.
	DBName string
	// StorePath is the bbolt file backing the blob store.
	StorePath string
	// Transport is the room-scoped broadcast transport to connect
	// through. If nil, the client never connects and stays offline.
	Transport transport.Transport
	// TransportURL/RoomID are passed through to Transport.Connect.
	TransportURL string
	RoomID       string

	Callbacks Callbacks
	Logger    loggers.Advanced
}

// NewConfig returns a Config with defaults filled in, matching
// dbconn.NewDBConfig's style.
func NewConfig(dbName, storePath string) Config {
	return Config{
		DBName:    dbName,
		StorePath: storePath,
		Logger:    logutil.New(),
	}
}

// Client is the public façade. All public methods serialize on one mutex:
// Go gives no single-threaded host for free, so this mutex reproduces the
// "runs to completion between suspension points" guarantee the sync core
// assumes, without adding any locking inside the reconciler/oplog/
// checkpoint components themselves (see DESIGN.md).
type Client struct {
	mu sync.Mutex

	cfg    Config
	logger loggers.Advanced

	eng        *engine.Engine
	blobStore  *store.Store
	persister  *persist.Persister
	oplogDB    *oplog.Log
	applier    *apply.Applier
	cp         *checkpoint.Manager
	reconciler *reconcile.Reconciler

	conn transport.Connection

	clientID        string
	localSeqCounter int64
	online          bool
}

// Open prepares the engine, reloads persisted state if present, and
// connects to the transport if one was configured.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = logutil.New()
	}

	blobStore, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("syncclient: %w", err)
	}
	persister := persist.New(blobStore, cfg.DBName)

	clientID, err := persister.LoadClientID()
	if err != nil {
		_ = blobStore.Close()
		return nil, fmt.Errorf("syncclient: loading client id: %w", err)
	}
	if clientID == "" {
		clientID, err = oplog.RandomClientID()
		if err != nil {
			_ = blobStore.Close()
			return nil, fmt.Errorf("syncclient: %w", err)
		}
		if err := persister.SaveClientID(clientID); err != nil {
			_ = blobStore.Close()
			return nil, fmt.Errorf("syncclient: %w", err)
		}
	}

	blob, err := persister.LoadEngineBlob()
	if err != nil {
		_ = blobStore.Close()
		return nil, fmt.Errorf("syncclient: %w", err)
	}
	eng, err := engine.Open(ctx, blob)
	if err != nil {
		_ = blobStore.Close()
		return nil, fmt.Errorf("%w: %w", engine.ErrEngineLoadFailed, err)
	}

	localSeqCounter, err := persister.LoadLocalSeqCounter(ctx, eng)
	if err != nil {
		_ = eng.Close()
		_ = blobStore.Close()
		return nil, fmt.Errorf("syncclient: %w", err)
	}

	oplogDB, err := oplog.Open(ctx, eng)
	if err != nil {
		_ = eng.Close()
		_ = blobStore.Close()
		return nil, fmt.Errorf("syncclient: %w", err)
	}

	applier := apply.New(eng, cfg.Logger)
	cp := checkpoint.New(eng, cfg.Logger)
	reconciler := reconcile.New(oplogDB, applier, cp, cfg.Logger)

	c := &Client{
		cfg:             cfg,
		logger:          cfg.Logger,
		eng:             eng,
		blobStore:       blobStore,
		persister:       persister,
		oplogDB:         oplogDB,
		applier:         applier,
		cp:              cp,
		reconciler:      reconciler,
		clientID:        clientID,
		localSeqCounter: localSeqCounter,
	}

	if cfg.Transport != nil {
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	// ready is closed once c.conn has been assigned below. Some
	// transports (e.g. the in-process loopback room) may deliver OnJoin
	// concurrently with Connect returning; OnJoin waits on ready so that
	// flushPending always sees a non-nil c.conn. joined is closed once
	// OnJoin's hydration has finished, so connect() can block until join
	// is a completed suspension point, matching the one the sync core
	// assumes (spec §5).
	ready := make(chan struct{})
	joined := make(chan struct{})

	conn, err := c.cfg.Transport.Connect(ctx, transport.ConnectParams{
		URL:    c.cfg.TransportURL,
		RoomID: c.cfg.RoomID,
		OnCreate: func() {
			if c.cfg.Callbacks.OnRoomCreate != nil {
				c.cfg.Callbacks.OnRoomCreate()
			}
		},
		OnJoin: func(snapshot []byte, inputs []transport.Input) {
			<-ready
			c.mu.Lock()
			c.online = true
			ops := c.inputsToOps(inputs)
			if err := c.reconciler.Hydrate(ctx, ops); err != nil {
				c.logger.Errorf("syncclient: hydrate failed: %v", err)
			}
			if err := c.persistLocked(ctx); err != nil {
				c.logger.Errorf("syncclient: persist after hydrate failed: %v", err)
			}
			c.mu.Unlock()
			// Sending must happen without c.mu held: the loopback
			// transport delivers a broadcast back to the sender
			// synchronously, and that delivery needs the lock itself.
			if err := c.flushPending(ctx); err != nil {
				c.logger.Errorf("syncclient: flush after join failed: %v", err)
			}
			if c.cfg.Callbacks.OnConnect != nil {
				c.cfg.Callbacks.OnConnect(snapshot, ops)
			}
			close(joined)
		},
		OnInput: func(input transport.Input) {
			c.mu.Lock()
			defer c.mu.Unlock()
			op, ok := c.envelopeToOp(input)
			if !ok {
				return // unrecognized envelope type, ignored
			}
			_, isLocal := c.oplogDB.FindPendingByID(op.ID)
			if _, err := c.reconciler.Reconcile(ctx, op); err != nil {
				c.logger.Errorf("syncclient: reconcile failed for %s: %v", op.ID, err)
				return
			}
			if err := c.persistLocked(ctx); err != nil {
				c.logger.Errorf("syncclient: persist after input failed: %v", err)
			}
			// onInput is suppressed for locally-originated ops: the
			// caller already observed the effect synchronously through
			// the mutation call that created it (see DESIGN.md).
			if !isLocal && c.cfg.Callbacks.OnInput != nil {
				c.cfg.Callbacks.OnInput(op)
			}
		},
		OnDisconnect: func() {
			c.mu.Lock()
			c.online = false
			c.mu.Unlock()
			if c.cfg.Callbacks.OnDisconnect != nil {
				c.cfg.Callbacks.OnDisconnect()
			}
		},
		OnReconnect: func() {
			c.mu.Lock()
			c.online = true
			c.mu.Unlock()
			if err := c.flushPending(ctx); err != nil {
				c.logger.Errorf("syncclient: flush on reconnect failed: %v", err)
			}
		},
	})
	if err != nil {
		close(ready)
		return fmt.Errorf("syncclient: connecting: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.online = true
	c.mu.Unlock()
	close(ready)

	// Join is a suspension point: connect() does not return until the
	// room has handed back history and hydration has been applied, so
	// callers observe a fully caught-up client as soon as Open returns.
	select {
	case <-joined:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) inputsToOps(inputs []transport.Input) []oplog.Operation {
	ops := make([]oplog.Operation, 0, len(inputs))
	for _, in := range inputs {
		if op, ok := c.envelopeToOp(in); ok {
			ops = append(ops, op)
		}
	}
	return ops
}

func (c *Client) envelopeToOp(in transport.Input) (oplog.Operation, bool) {
	if in.Envelope.Type != transport.OpEnvelopeType {
		return oplog.Operation{}, false
	}
	op, ok := in.Envelope.Operation.(oplog.Operation)
	if !ok {
		return oplog.Operation{}, false
	}
	op.Seq = in.Seq
	return op, true
}

// flushPending sends every pending operation to the transport in localSeq
// order. It must be called without c.mu held: the loopback transport can
// deliver a broadcast back to this same client synchronously, and that
// delivery (OnInput) needs to acquire c.mu itself.
func (c *Client) flushPending(ctx context.Context) error {
	c.mu.Lock()
	if c.conn == nil || !c.online {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	pending := append([]oplog.Operation(nil), c.oplogDB.IteratePending()...)
	c.mu.Unlock()

	for _, op := range pending {
		env := transport.Envelope{Type: transport.OpEnvelopeType, Operation: op}
		if err := conn.Send(ctx, env); err != nil {
			return fmt.Errorf("syncclient: sending pending op %s: %w", op.ID, err)
		}
	}
	return nil
}

func (c *Client) persistLocked(ctx context.Context) error {
	return c.persister.Persist(ctx, c.eng, c.localSeqCounter)
}

// CreateTable passes schema straight through to the engine. It is not
// logged as an operation: schema is assumed equal across clients (see
// DESIGN.md on the resulting permanent-divergence risk). Before running it,
// schema is parsed with pkg/statement so malformed DDL is rejected with a
// clear error before it ever reaches the engine, and the table name is
// captured for diagnostics.
func (c *Client) CreateTable(ctx context.Context, schema string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eng == nil {
		return ErrNotInitialized
	}
	parsed, err := statement.ParseCreateTable(schema)
	if err != nil {
		return fmt.Errorf("syncclient: create table: %w", err)
	}
	if _, err := c.eng.Exec(ctx, schema); err != nil {
		return fmt.Errorf("syncclient: create table %s: %w", parsed.GetTableName(), err)
	}
	return nil
}

// mutate is shared by Insert/Update/Delete: apply locally, record pending,
// persist, send.
func (c *Client) mutate(ctx context.Context, table string, opType oplog.OpType, data map[string]any) error {
	c.mu.Lock()
	if c.eng == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}

	c.localSeqCounter++
	op := oplog.Operation{
		ID:       oplog.NewID(c.clientID, c.localSeqCounter),
		ClientID: c.clientID,
		LocalSeq: c.localSeqCounter,
		Table:    table,
		Type:     opType,
		Data:     data,
	}

	c.applier.Apply(ctx, op)

	if err := c.oplogDB.AppendPending(ctx, op); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("syncclient: recording pending op: %w", err)
	}

	if err := c.persistLocked(ctx); err != nil {
		c.logger.Errorf("syncclient: persist after mutation failed: %v", err)
	}

	conn := c.conn
	online := c.online
	c.mu.Unlock()

	// Sending must happen without c.mu held: see flushPending.
	if conn != nil && online {
		env := transport.Envelope{Type: transport.OpEnvelopeType, Operation: op}
		if err := conn.Send(ctx, env); err != nil {
			c.logger.Warnf("syncclient: send failed, op %s remains pending: %v", op.ID, err)
		}
	}
	return nil
}

// Insert applies and logs an INSERT operation.
func (c *Client) Insert(ctx context.Context, table string, data map[string]any) error {
	return c.mutate(ctx, table, oplog.Insert, data)
}

// Update applies and logs an UPDATE operation. where carries the
// column->value equality predicate.
func (c *Client) Update(ctx context.Context, table string, data map[string]any, where map[string]any) error {
	merged := make(map[string]any, len(data)+1)
	for k, v := range data {
		merged[k] = v
	}
	merged[oplog.WhereKey] = where
	return c.mutate(ctx, table, oplog.Update, merged)
}

// Delete applies and logs a DELETE operation with predicate where.
func (c *Client) Delete(ctx context.Context, table string, where map[string]any) error {
	return c.mutate(ctx, table, oplog.Delete, map[string]any{oplog.WhereKey: where})
}

// QueryResult is the result of a read-only Query call.
type QueryResult struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int
}

// Query runs a read-only SELECT locally.
func (c *Client) Query(ctx context.Context, sql string, params ...any) (*QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eng == nil {
		return nil, ErrNotInitialized
	}
	cols, rows, err := c.eng.Query(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("syncclient: query: %w", err)
	}
	return &QueryResult{Columns: cols, Rows: rows, RowsAffected: len(rows)}, nil
}

// ID returns the stable, persisted client identifier.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// IsOnline reports whether the transport connection is currently up.
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// PendingCount returns the number of unconfirmed operations.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oplogDB.PendingCount()
}

// ConfirmedSeq returns the highest seq incorporated into the confirmed
// state, exposed mainly for tests asserting the scenarios in spec §8.
func (c *Client) ConfirmedSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler.ConfirmedSeq()
}

// SavepointSeq returns the seq the live checkpoint was established at.
func (c *Client) SavepointSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cp.SavepointSeq()
}

// LocalSeqCounter returns the persisted local mutation counter.
func (c *Client) LocalSeqCounter() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSeqCounter
}

// Close persists final state, disconnects from the transport, and
// releases the engine and blob store, propagating the first error
// encountered, matching the teardown style of migration.Runner.Close.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	var firstErr error
	if c.eng != nil {
		if err := c.persistLocked(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	conn := c.conn
	c.mu.Unlock()

	// Closing the connection can fire OnDisconnect synchronously (the
	// loopback transport does), and that callback needs c.mu itself.
	if conn != nil {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eng != nil {
		if err := c.eng.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.blobStore != nil {
		if err := c.blobStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
