package wsup

import "time"

// Journaler describes an event sink. Implementations live in package
// wsup/journal (a flock-guarded JSON file) and package wsup/journal's
// logrus-backed human writer; both are combined with journal.MultiWriter
// the way the supervisor wires them at startup.
type Journaler interface {
	Write(Event) error
}

// JournalReader reads back previously written events, oldest call returning
// the most recent entry first — used for the post-mortem "last active
// handler" lookup after a worker crash (spec.md §7).
type JournalReader interface {
	Read() (Event, time.Time, error)
}

// JournalReadWriter is a Journaler that can also be read back.
type JournalReadWriter interface {
	Journaler
	JournalReader
}
