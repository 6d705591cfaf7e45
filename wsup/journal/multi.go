package journal

import (
	"git.unix.lgbt/wrk/wsup/wsup"
	"github.com/hashicorp/go-multierror"
)

// MultiWriter fans a single event out to every underlying Journaler — the
// supervisor wires the flock'd file and the logrus console sink through one
// of these so every caller writes once.
type MultiWriter struct {
	writers []wsup.Journaler
}

var _ wsup.Journaler = MultiWriter{}

// NewMultiWriter combines writers into one Journaler. A nil element is
// skipped, so callers can pass an optional sink without a branch.
func NewMultiWriter(writers ...wsup.Journaler) MultiWriter {
	out := make([]wsup.Journaler, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			out = append(out, w)
		}
	}
	return MultiWriter{writers: out}
}

// Write calls Write on every underlying journaler, continuing past failures
// and returning them aggregated so one dead sink never blocks the rest.
func (m MultiWriter) Write(ev wsup.Event) error {
	var result *multierror.Error
	for _, w := range m.writers {
		if err := w.Write(ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// MultiReadWriter pairs a MultiWriter fan-out with a single authoritative
// JournalReader — reads only ever come from the flock'd file, never from the
// cosmetic console sink.
type MultiReadWriter struct {
	MultiWriter
	wsup.JournalReader
}

var _ wsup.JournalReadWriter = MultiReadWriter{}

// NewMultiReadWriter builds a MultiReadWriter from a primary read-writer
// (whose Read method is authoritative) plus any number of write-only sinks.
func NewMultiReadWriter(primary wsup.JournalReadWriter, extra ...wsup.Journaler) MultiReadWriter {
	all := append([]wsup.Journaler{primary}, extra...)
	return MultiReadWriter{
		MultiWriter:   NewMultiWriter(all...),
		JournalReader: primary,
	}
}
