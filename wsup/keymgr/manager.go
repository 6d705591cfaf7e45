package keymgr

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"

	"git.unix.lgbt/wrk/wsup/wsup"
	"git.unix.lgbt/wrk/wsup/wsup/bus"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Bus is the subset of *bus.WorkerBus the key manager needs, narrowed so
// this package can be tested against an in-memory double instead of a real
// socketpair connection.
type Bus interface {
	Register(kind string, h bus.Handler)
	Send(dest bus.Dest, kind string, payload interface{}) error
}

// Manager is the key-manager sibling: it never accepts connections, never
// contends for the accept lock, and spends its run loop watching a
// certificate directory and answering the network workers' requests
// (spec.md §4.F).
type Manager struct {
	registry *Registry
	certDir  string
	bus      Bus
	journal  wsup.Journaler
}

// NewManager builds a key manager rooted at certDir, where files are named
// "<domain>.crt" and, optionally, "<domain>.crl".
func NewManager(certDir string, b Bus, journal wsup.Journaler) *Manager {
	m := &Manager{
		registry: NewRegistry(),
		certDir:  certDir,
		bus:      b,
		journal:  journal,
	}
	m.registerHandlers()
	return m
}

func (m *Manager) registerHandlers() {
	m.bus.Register(bus.KindCertificateReq, m.handleCertificateReq)
	m.bus.Register(bus.KindEntropyReq, m.handleEntropyReq)
}

// Run loads every existing certificate, then watches certDir for changes
// until ctx is canceled, broadcasting CERTIFICATE/CRL updates as they land.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.loadAll(); err != nil {
		m.warn("load", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "keymgr: create watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(m.certDir); err != nil {
		return errors.Wrap(err, "keymgr: watch cert dir")
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.warn("watcher", err)

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			m.handleFsEvent(evt)
		}
	}
}

func (m *Manager) handleFsEvent(evt fsnotify.Event) {
	domain, kind, ok := parseCertFilename(evt.Name)
	if !ok {
		return
	}

	switch {
	case evt.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if err := m.loadOne(domain, kind, evt.Name); err != nil {
			m.warn("watcher", err)
		}

	case evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if kind == "crt" {
			m.registry.Remove(domain)
		} else {
			m.registry.SetCRL(domain, nil)
		}
	}
}

func (m *Manager) loadAll() error {
	entries, err := os.ReadDir(m.certDir)
	if err != nil {
		return errors.Wrap(err, "keymgr: read cert dir")
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		domain, kind, ok := parseCertFilename(entry.Name())
		if !ok {
			continue
		}
		if err := m.loadOne(domain, kind, filepath.Join(m.certDir, entry.Name())); err != nil {
			m.warn("load", err)
		}
	}
	return nil
}

func (m *Manager) loadOne(domain, kind, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "keymgr: read %s", path)
	}

	switch kind {
	case "crt":
		m.registry.SetCert(domain, data)
		return m.broadcast(domain, bus.KindCertificate, data)
	case "crl":
		m.registry.SetCRL(domain, data)
		return m.broadcast(domain, bus.KindCRL, data)
	}
	return nil
}

func (m *Manager) broadcast(domain, kind string, data []byte) error {
	payload := bus.KeymgrPayload{Domain: domain, Data: data}
	return m.bus.Send(bus.DestAll, kind, payload)
}

// handleCertificateReq answers a restarted worker's request to repopulate
// its TLS contexts by replaying every known domain's certificate and CRL
// straight back to the requester (spec.md §4.F).
func (m *Manager) handleCertificateReq(h bus.Header, _ []byte) {
	for _, d := range m.registry.Snapshot() {
		if err := m.bus.Send(h.Source, bus.KindCertificate, bus.KeymgrPayload{Domain: d.Name, Data: d.Cert}); err != nil {
			m.warn("reply", err)
			return
		}
		if len(d.CRL) > 0 {
			if err := m.bus.Send(h.Source, bus.KindCRL, bus.KeymgrPayload{Domain: d.Name, Data: d.CRL}); err != nil {
				m.warn("reply", err)
				return
			}
		}
	}
}

// handleEntropyReq answers a periodic reseed request with a fresh
// EntropyPayloadSize buffer read from crypto/rand.
func (m *Manager) handleEntropyReq(h bus.Header, _ []byte) {
	buf := make([]byte, bus.EntropyPayloadSize)
	if _, err := rand.Read(buf); err != nil {
		m.warn("entropy", err)
		return
	}
	if err := m.bus.Send(h.Source, bus.KindEntropyResp, bus.KeymgrPayload{Domain: "-", Data: buf}); err != nil {
		m.warn("reply", err)
	}
}

func (m *Manager) warn(component string, err error) {
	if m.journal == nil {
		return
	}
	m.journal.Write(&wsup.EventWarning{Component: "keymgr:" + component, Error: err.Error()})
}

// parseCertFilename splits "<domain>.crt" / "<domain>.crl" into its domain
// and kind. Any other filename is skipped silently: it is neither logged
// nor treated as an error.
func parseCertFilename(path string) (domain, kind string, ok bool) {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	switch ext {
	case ".crt", ".crl":
	default:
		return "", "", false
	}
	domain = strings.TrimSuffix(name, ext)
	if domain == "" {
		return "", "", false
	}
	return domain, ext[1:], true
}
