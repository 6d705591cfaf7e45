package bus

import (
	"context"
	"sync"
)

// Handler processes one delivered envelope, given its header and raw body,
// per spec.md §4.G's register(id, handler) contract.
type Handler func(Header, []byte)

// WorkerBus is the worker-process side of the bus: a single connection to
// the parent, plus a table of handlers keyed by message kind.
type WorkerBus struct {
	self Dest
	conn *Conn

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorkerBus wraps the worker's control socketpair connection to the
// parent. self is this worker's own Dest (its slot id), used only for
// diagnostics.
func NewWorkerBus(self Dest, conn *Conn) *WorkerBus {
	return &WorkerBus{self: self, conn: conn, handlers: make(map[string]Handler)}
}

// Register installs the handler invoked for every envelope of the given
// kind. Registering the same kind twice replaces the previous handler.
func (b *WorkerBus) Register(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Send addresses a message to dest — a specific worker/sibling id,
// DestParent, or DestAll — and relies on the parent to route it.
func (b *WorkerBus) Send(dest Dest, kind string, payload interface{}) error {
	return b.conn.Send(dest, kind, payload)
}

// Run drains incoming envelopes and dispatches them to registered handlers
// until ctx is canceled or the connection is closed. An envelope whose kind
// has no registered handler is dropped silently: spec.md names only the
// kinds workers must understand, and unknown kinds are the receiver's
// business to define, not the bus's.
func (b *WorkerBus) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			b.conn.Close()
		case <-done:
		}
	}()

	for {
		env, err := b.conn.Recv()
		if err != nil {
			return err
		}

		b.mu.RLock()
		h := b.handlers[env.Kind]
		b.mu.RUnlock()

		if h == nil {
			continue
		}
		h(Header{Kind: env.Kind, Length: len(env.Body), Source: env.Source}, env.Body)
	}
}
