package keymgr

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"git.unix.lgbt/wrk/wsup/wsup"
	"git.unix.lgbt/wrk/wsup/wsup/bus"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// ACME is the ACME challenge sibling: like Manager it never accepts
// connections, but it watches a separate challenge directory and pushes
// TLS-ALPN-01 challenge certificates to every network worker as they are
// staged and cleared by an external ACME client (spec.md §4.F). The ACME
// protocol exchange itself — talking to a CA, solving authorizations — is
// an external collaborator; this sibling only relays the resulting
// certificate onto the bus.
type ACME struct {
	registry     *Registry
	challengeDir string
	bus          Bus
	journal      wsup.Journaler
}

// NewACME builds an ACME sibling rooted at challengeDir, where a present
// "<domain>.challenge" file (DER-encoded certificate) means the challenge
// is active for that domain, and its absence means the challenge has been
// cleared.
func NewACME(challengeDir string, b Bus, journal wsup.Journaler) *ACME {
	return &ACME{
		registry:     NewRegistry(),
		challengeDir: challengeDir,
		bus:          b,
		journal:      journal,
	}
}

// Run loads any challenges already staged, then watches challengeDir until
// ctx is canceled.
func (a *ACME) Run(ctx context.Context) error {
	if err := a.loadAll(); err != nil {
		a.warn("load", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "keymgr/acme: create watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(a.challengeDir); err != nil {
		return errors.Wrap(err, "keymgr/acme: watch challenge dir")
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.warn("watcher", err)

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			a.handleFsEvent(evt)
		}
	}
}

func (a *ACME) handleFsEvent(evt fsnotify.Event) {
	domain, ok := parseChallengeFilename(evt.Name)
	if !ok {
		return
	}

	switch {
	case evt.Op&(fsnotify.Write|fsnotify.Create) != 0:
		if err := a.loadOne(domain, evt.Name); err != nil {
			a.warn("watcher", err)
		}

	case evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		a.registry.ClearChallengeCert(domain)
		if err := a.bus.Send(bus.DestAll, bus.KindACMEClearCert, bus.KeymgrPayload{Domain: domain, Data: []byte{0}}); err != nil {
			a.warn("broadcast", err)
		}
	}
}

func (a *ACME) loadAll() error {
	entries, err := os.ReadDir(a.challengeDir)
	if err != nil {
		return errors.Wrap(err, "keymgr/acme: read challenge dir")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		domain, ok := parseChallengeFilename(entry.Name())
		if !ok {
			continue
		}
		if err := a.loadOne(domain, filepath.Join(a.challengeDir, entry.Name())); err != nil {
			a.warn("load", err)
		}
	}
	return nil
}

func (a *ACME) loadOne(domain, path string) error {
	der, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "keymgr/acme: read %s", path)
	}
	a.registry.SetChallengeCert(domain, der)
	return a.bus.Send(bus.DestAll, bus.KindACMESetCert, bus.KeymgrPayload{Domain: domain, Data: der})
}

func (a *ACME) warn(component string, err error) {
	if a.journal == nil {
		return
	}
	a.journal.Write(&wsup.EventWarning{Component: "keymgr/acme:" + component, Error: err.Error()})
}

func parseChallengeFilename(path string) (domain string, ok bool) {
	name := filepath.Base(path)
	const ext = ".challenge"
	if !strings.HasSuffix(name, ext) {
		return "", false
	}
	domain = strings.TrimSuffix(name, ext)
	if domain == "" {
		return "", false
	}
	return domain, true
}
