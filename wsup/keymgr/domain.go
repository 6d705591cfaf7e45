// Package keymgr implements the key-manager and ACME sibling processes:
// specialized workers that never accept connections and instead serve
// certificate, CRL, entropy, and ACME-challenge state to the network
// workers over the message bus (spec.md §4.F).
package keymgr

import "sync"

// Domain holds one hostname's current TLS material as last read from disk.
// A zero-value Domain (before any Cert has been loaded) is never handed to
// a network worker; Registry.Snapshot only returns domains with a Cert set.
type Domain struct {
	Name string
	Cert []byte // PEM chain
	CRL  []byte // PEM CRL, may be nil

	// ChallengeCert is a DER-encoded TLS-ALPN-01 challenge certificate,
	// present only while an ACME challenge is in flight for this domain.
	ChallengeCert []byte
}

// Registry is the key manager's in-memory view of every known domain,
// rebuilt from the certificate directory on watch events and handed out
// wholesale to a worker that requests a resync.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]*Domain
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{domains: make(map[string]*Domain)}
}

// SetCert installs or replaces a domain's certificate chain, creating the
// Domain entry if this is the first time it's been seen.
func (r *Registry) SetCert(name string, cert []byte) *Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.get(name)
	d.Cert = cert
	return d
}

// SetCRL installs or replaces a domain's CRL.
func (r *Registry) SetCRL(name string, crl []byte) *Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.get(name)
	d.CRL = crl
	return d
}

// SetChallengeCert installs a TLS-ALPN-01 challenge certificate, lazily
// creating the Domain entry if absent (spec.md §4.F: "on set, lazily
// initialize the TLS context if absent").
func (r *Registry) SetChallengeCert(name string, der []byte) *Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.get(name)
	d.ChallengeCert = der
	return d
}

// ClearChallengeCert removes a domain's challenge certificate. The Domain
// entry itself is kept even if it now has no Cert, matching a challenge
// that arrives before the real certificate has ever been issued.
func (r *Registry) ClearChallengeCert(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.domains[name]; ok {
		d.ChallengeCert = nil
	}
}

// Remove deletes a domain entirely, used when its certificate file is
// removed from the watched directory.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.domains, name)
}

// Lookup returns a copy of the named domain's state, or ok=false if it is
// unknown to the registry (spec.md §4.F: "a response naming an unknown
// domain is logged and dropped" — Lookup is what makes that check possible
// on the key manager's own inbound requests too).
func (r *Registry) Lookup(name string) (Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[name]
	if !ok {
		return Domain{}, false
	}
	return *d, true
}

// Snapshot returns every domain with a non-empty certificate, used to
// repopulate a worker's TLS contexts after a restart (CERTIFICATE_REQ).
func (r *Registry) Snapshot() []Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Domain, 0, len(r.domains))
	for _, d := range r.domains {
		if len(d.Cert) > 0 {
			out = append(out, *d)
		}
	}
	return out
}

// get returns the domain entry for name, creating it if absent. Callers
// must hold r.mu for writing.
func (r *Registry) get(name string) *Domain {
	d, ok := r.domains[name]
	if !ok {
		d = &Domain{Name: name}
		r.domains[name] = d
	}
	return d
}
