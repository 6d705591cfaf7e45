package bus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Relay is the supervisor-side hub: one Conn per worker/sibling slot,
// routing each incoming envelope by its Dest field. This is what makes the
// bus "point-to-point... between key-holding and network-facing workers"
// (spec.md §1) despite every worker having a socket only to the parent.
type Relay struct {
	mu    sync.RWMutex
	peers map[Dest]*Conn

	// OnParent is invoked for every envelope addressed to DestParent, e.g.
	// a worker's SHUTDOWN notice.
	OnParent func(from Dest, env Envelope)
	// OnDropped is invoked whenever a directly addressed envelope cannot be
	// routed (unknown destination) or forwarding it to its peer fails;
	// spec.md §7 requires exactly one log line per dropped message, not
	// silence. Broadcast forwarding errors are not reported here.
	OnDropped func(from Dest, env Envelope, reason error)
}

// NewRelay creates an empty relay; peers are added as slots are spawned.
func NewRelay() *Relay {
	return &Relay{peers: make(map[Dest]*Conn)}
}

// AddPeer registers a slot's connection and starts relaying its traffic in
// a background goroutine. It returns a function that removes the peer,
// called once the supervisor observes the slot's process has exited.
func (r *Relay) AddPeer(id Dest, conn *Conn) (remove func()) {
	r.mu.Lock()
	r.peers[id] = conn
	r.mu.Unlock()

	done := make(chan struct{})
	go r.pump(id, conn, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.peers[id] == conn {
				delete(r.peers, id)
			}
			r.mu.Unlock()
			<-done
		})
	}
}

func (r *Relay) pump(from Dest, conn *Conn, done chan struct{}) {
	defer close(done)

	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		r.route(from, env)
	}
}

func (r *Relay) route(from Dest, env Envelope) {
	env.Source = from

	switch env.Dest {
	case DestParent:
		if r.OnParent != nil {
			r.OnParent(from, env)
		}
	case DestAll:
		r.mu.RLock()
		peers := make(map[Dest]*Conn, len(r.peers))
		for id, peer := range r.peers {
			peers[id] = peer
		}
		r.mu.RUnlock()

		for id, peer := range peers {
			if id == from {
				continue
			}
			// Best-effort: a peer mid-shutdown may drop this without it
			// being an error worth surfacing per-recipient.
			_ = peer.forward(env)
		}
	default:
		r.mu.RLock()
		peer, ok := r.peers[env.Dest]
		r.mu.RUnlock()
		if !ok {
			if r.OnDropped != nil {
				r.OnDropped(from, env, errors.Errorf("bus: no such destination %d", env.Dest))
			}
			return
		}
		if err := peer.forward(env); err != nil && r.OnDropped != nil {
			r.OnDropped(from, env, err)
		}
	}
}

// Broadcast sends a kind/payload pair to every peer, used by the
// supervisor itself (rather than a relayed worker message) — currently
// unused directly since ACCEPT_AVAILABLE always originates from a worker,
// but kept for parent-initiated fan-out such as a future admin command.
func (r *Relay) Broadcast(ctx context.Context, kind string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.peers {
		_ = peer.Send(DestAll, kind, payload)
	}
}
