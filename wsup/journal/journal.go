// Package journal implements wsup.Journaler against a flock-guarded,
// append-only, line-delimited JSON file, plus a human-readable console sink
// and helpers to combine journalers.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"git.unix.lgbt/wrk/wsup/wsup"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// wireEvent is the on-disk envelope for one journal line.
type wireEvent struct {
	Time time.Time  `json:"time"`
	Type string     `json:"type"`
	Data wsup.Event `json:"data"`
}

// Writer writes line-delimited JSON events to an io.Writer. Each event is
// encoded in full and handed to the sink in a single Write call; Writer adds
// no locking of its own, so whether concurrent callers can interleave
// depends on the sink.
type Writer struct {
	w  io.Writer
	id string
}

var _ wsup.Journaler = Writer{}

// NewWriter creates a journal writer over an arbitrary sink, tagging it
// with id for MultiWriter's combined identifier.
func NewWriter(w io.Writer, id string) Writer {
	return Writer{w: w, id: id}
}

// ID identifies this writer for diagnostics and MultiWriter composition.
func (w Writer) ID() string { return w.id }

// Write encodes ev as one JSON line and appends it.
func (w Writer) Write(ev wsup.Event) error {
	buf := bytes.Buffer{}
	buf.Grow(512)

	line := wireEvent{Time: time.Now(), Type: ev.Type(), Data: ev}
	if err := json.NewEncoder(&buf).Encode(line); err != nil {
		return errors.Wrap(err, "journal: marshal event")
	}

	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "journal: write event")
	}
	return nil
}

// ErrLockedElsewhere is returned when another process already holds the
// journal file's flock, meaning a supervisor is already running against
// this journal path.
var ErrLockedElsewhere = errors.New("journal: file already locked elsewhere")

// FileLockJournaler is a Journaler backed by a flock'd append-only file. It
// doubles as the supervisor's single-instance guard: only one process can
// hold the lock on a given journal path at a time.
type FileLockJournaler struct {
	Writer
	Reader

	f *os.File
	l *flock.Flock
}

var _ wsup.JournalReadWriter = (*FileLockJournaler)(nil)

// NewFileLockJournaler acquires the flock immediately, failing with
// ErrLockedElsewhere if another process holds it.
func NewFileLockJournaler(path string) (*FileLockJournaler, error) {
	return newFileLockJournaler(nil, path)
}

// NewFileLockJournalerWait waits for the flock until ctx is done.
func NewFileLockJournalerWait(ctx context.Context, path string) (*FileLockJournaler, error) {
	return newFileLockJournaler(ctx, path)
}

func newFileLockJournaler(ctx context.Context, path string) (*FileLockJournaler, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrap(err, "journal: create directory")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_SYNC, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open file")
	}

	l := flock.New(path)

	var locked bool
	if ctx != nil {
		locked, err = l.TryLockContext(ctx, 25*time.Millisecond)
	} else {
		locked, err = l.TryLock()
	}
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "journal: acquire lock")
	}
	if !locked {
		f.Close()
		return nil, ErrLockedElsewhere
	}

	return &FileLockJournaler{
		Writer: NewWriter(f, "file:"+path),
		Reader: NewReader(f),
		f:      f,
		l:      l,
	}, nil
}

// Close closes the file and releases the flock.
func (j *FileLockJournaler) Close() error {
	j.f.Close()
	return j.l.Unlock()
}
