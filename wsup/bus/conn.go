package bus

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Conn is one end of a control socketpair, framed with length-prefixed JSON
// envelopes. It is safe for one concurrent writer and one concurrent
// reader, matching how a socketpair fd is actually used here: the
// dispatch loop reads, everything else calls Send to write.
type Conn struct {
	rwc io.ReadWriteCloser

	writeMu sync.Mutex
}

// NewConn wraps an already-connected socketpair endpoint (an *os.File in
// production, an in-memory pipe in tests).
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc}
}

// Send encodes payload as JSON and writes an envelope addressed to dest.
// Encoding failures and partial writes are both reported; per spec.md §5 a
// short write on this channel is a bug the caller should treat as fatal to
// the send, not retry piecemeal.
func (c *Conn) Send(dest Dest, kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "bus: marshal payload")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return writeEnvelope(c.rwc, Envelope{Dest: dest, Kind: kind, Body: body})
}

// forward writes env as-is, preserving whatever Source the relay has
// already stamped onto it. Unlike Send, it does not construct a new
// envelope from a payload.
func (c *Conn) forward(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeEnvelope(c.rwc, env)
}

// Recv blocks for the next envelope. It returns io.EOF (wrapped) once the
// peer has closed its end.
func (c *Conn) Recv() (Envelope, error) {
	return readEnvelope(c.rwc)
}

// Close closes the underlying transport.
func (c *Conn) Close() error { return c.rwc.Close() }
