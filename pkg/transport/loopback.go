package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Loopback is an in-process, single-room Transport: every connected client
// runs in the same process and shares one sequencer. It exists for tests
// and for the synccli demo, where there is no real network to join.
type Loopback struct {
	mu          sync.Mutex
	seq         atomic.Int64
	history     []Input
	connections []*loopbackConn
}

// NewLoopback returns an empty room with no history.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Connect joins the room. The first connection triggers OnCreate; every
// connection (including the first) receives OnJoin with the full history
// replayed as inputs. OnCreate/OnJoin are delivered on a separate
// goroutine, so they may run before or after Connect has returned the
// Connection to the caller; callers that need the Connection inside
// OnJoin must wait for Connect to return themselves.
func (l *Loopback) Connect(ctx context.Context, params ConnectParams) (Connection, error) {
	l.mu.Lock()
	first := len(l.connections) == 0
	snapshot := make([]Input, len(l.history))
	copy(snapshot, l.history)
	conn := &loopbackConn{room: l, params: params}
	l.connections = append(l.connections, conn)
	l.mu.Unlock()

	go func() {
		if first && params.OnCreate != nil {
			params.OnCreate()
		}
		if params.OnJoin != nil {
			params.OnJoin(nil, snapshot)
		}
	}()
	return conn, nil
}

// broadcast assigns the next seq to env and delivers it to every connected
// client (including the sender), fanning out concurrently the way
// subscription.go fans out independent statement execution.
func (l *Loopback) broadcast(ctx context.Context, env Envelope) error {
	seq := l.seq.Add(1)
	input := Input{Seq: seq, Envelope: env}

	l.mu.Lock()
	l.history = append(l.history, input)
	conns := make([]*loopbackConn, len(l.connections))
	copy(conns, l.connections)
	l.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			_ = gctx
			if c.params.OnInput != nil {
				c.params.OnInput(input)
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Loopback) disconnect(c *loopbackConn) {
	l.mu.Lock()
	for i, existing := range l.connections {
		if existing == c {
			l.connections = append(l.connections[:i], l.connections[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	if c.params.OnDisconnect != nil {
		c.params.OnDisconnect()
	}
}

type loopbackConn struct {
	room   *Loopback
	params ConnectParams
}

func (c *loopbackConn) Send(ctx context.Context, env Envelope) error {
	return c.room.broadcast(ctx, env)
}

func (c *loopbackConn) Close() error {
	c.room.disconnect(c)
	return nil
}
