// Package bus implements the point-to-point, reliable, ordered message bus
// workers and siblings use to talk to the supervisor and, through it, to
// each other (spec.md §4.G). Delivery is relayed by the supervisor: every
// worker process has exactly one connection, to the parent; there are no
// direct worker-to-worker sockets.
package bus

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Dest names where an envelope is headed: a specific worker/sibling id, the
// parent itself, or every worker (broadcast).
type Dest int32

const (
	// DestParent addresses the supervisor itself, e.g. the SHUTDOWN
	// notice a worker sends on its way out.
	DestParent Dest = 1<<31 - 1
	// DestAll addresses every worker, used for ACCEPT_AVAILABLE.
	DestAll Dest = 1<<31 - 2
)

// Message kinds, named exactly as spec.md §4.F/§4.G enumerates them.
const (
	KindCertificate     = "CERTIFICATE"
	KindCRL             = "CRL"
	KindEntropyResp     = "ENTROPY_RESP"
	KindACMESetCert     = "ACME_CHALLENGE_SET_CERT"
	KindACMEClearCert   = "ACME_CHALLENGE_CLEAR_CERT"
	KindCertificateReq  = "CERTIFICATE_REQ"
	KindEntropyReq      = "ENTROPY_REQ"
	KindAcceptAvailable = "ACCEPT_AVAILABLE"
	KindShutdown        = "SHUTDOWN"
)

// EntropyPayloadSize is the fixed buffer size of an ENTROPY_RESP payload
// (spec.md §4.F).
const EntropyPayloadSize = 1024

// MaxDomainLen bounds the domain name field the way a fixed-width slot
// would on the wire; spec.md §4.F requires it be NUL-terminated within that
// slot, which for a Go string field means rejecting anything that wouldn't
// fit.
const MaxDomainLen = 255

// Envelope is one message in flight: a header (Dest, Kind) plus its body.
// Source is filled in by the relay as it forwards a message on, so a
// handler replying to a request knows who to address the reply to; a
// worker's own outgoing envelopes leave it zero.
type Envelope struct {
	Dest   Dest            `json:"dest"`
	Source Dest            `json:"source,omitempty"`
	Kind   string          `json:"kind"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Header is what a registered handler receives, mirroring spec.md §4.G's
// register(id, handler) contract where the handler sees (id, length) plus
// the payload bytes. Source is the original sender's Dest, valid whenever
// the message was relayed rather than self-addressed.
type Header struct {
	Kind   string
	Length int
	Source Dest
}

// KeymgrPayload is the body shape of every certificate/CRL/ACME-challenge
// message: a domain name and an opaque data blob. Validate enforces
// spec.md §4.F's three checks: minimum size (an empty domain fails),
// declared-length consistency (the caller supplies wantLen, 0 meaning "any
// nonzero length is fine"), and a domain name that would fit a
// NUL-terminated fixed-width slot.
type KeymgrPayload struct {
	Domain string `json:"domain"`
	Data   []byte `json:"data"`
}

// Validate reports the first reason, if any, this payload would be dropped
// by a network worker per spec.md §4.F/§8.
func (p KeymgrPayload) Validate(wantLen int) error {
	if p.Domain == "" {
		return errors.New("bus: short keymgr message (missing domain)")
	}
	if len(p.Domain) > MaxDomainLen {
		return errors.Errorf("bus: domain name %q exceeds %d-byte slot", p.Domain, MaxDomainLen)
	}
	if wantLen > 0 && len(p.Data) != wantLen {
		return errors.Errorf("bus: short keymgr message (%d)", len(p.Data))
	}
	if wantLen == 0 && len(p.Data) == 0 {
		return errors.New("bus: short keymgr message (0)")
	}
	return nil
}

// writeEnvelope frames env as a 4-byte big-endian length prefix followed by
// its JSON encoding. Short writes on the control socketpair are a bug, not
// a recoverable condition, per spec.md §5.
func writeEnvelope(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "bus: marshal envelope")
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))

	if _, err := w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "bus: write length prefix")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "bus: write envelope body")
	}
	return nil
}

func readEnvelope(r io.Reader) (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, errors.Wrap(err, "bus: read envelope body")
	}

	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "bus: decode envelope")
	}
	return env, nil
}
