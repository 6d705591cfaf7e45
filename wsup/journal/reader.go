package journal

import (
	"encoding/json"
	"io"
	"time"

	"git.unix.lgbt/wrk/wsup/wsup"
	"github.com/diamondburned/backwardio"
	"github.com/pkg/errors"
)

// Reader reads journal entries backward, most recent first — exactly what
// the post-mortem "what was this worker doing when it died" lookup needs:
// scan back from the crash event without loading the whole file.
type Reader struct {
	b *backwardio.Scanner
}

// NewReader wraps a seekable journal file for backward reading.
func NewReader(r io.ReadSeeker) Reader {
	return Reader{backwardio.NewScanner(r)}
}

// Read returns the next entry going backward from the current position, or
// io.EOF once the beginning of the file is reached.
func (r Reader) Read() (wsup.Event, time.Time, error) {
	var line []byte
	var err error

	for {
		line, err = r.b.ReadUntil('\n')
		if err != nil {
			return nil, time.Time{}, err
		}
		if len(line) > 0 {
			break
		}
	}

	var raw struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "journal: decode line")
	}

	ev := wsup.NewEvent(raw.Type)
	if ev == nil {
		return nil, time.Time{}, errors.Errorf("journal: unknown event type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Data, ev); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "journal: decode event data")
	}

	return ev, raw.Time, nil
}

// LastHandlerForCrash scans backward from the tail of the journal looking
// for the most recent EventWorkerCrashed naming pid, returning its
// LastHandler field. It recovers the handler name from the journal alone,
// without the shared worker record; the supervisor does not call it and
// reads Worker.LastHandler from the shared record instead.
func LastHandlerForCrash(r io.ReadSeeker, pid int) (string, error) {
	reader := NewReader(r)
	for {
		ev, _, err := reader.Read()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if crash, ok := ev.(*wsup.EventWorkerCrashed); ok && crash.PID == pid {
			return crash.LastHandler, nil
		}
	}
}
