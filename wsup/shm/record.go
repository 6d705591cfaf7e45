package shm

import (
	"bytes"
	"sync/atomic"
	"unsafe"
)

// Reserved worker ids, stable across restarts (spec.md §3 invariant 6).
// Slot 0 is always the key-manager, slot 1 is always the ACME sibling,
// whether or not either is enabled — spec.md §4.C reserves both
// unconditionally. Network workers occupy slots 2..N+1 and are numbered
// 1..N.
const (
	RoleKeyManager int32 = -1
	RoleACME       int32 = -2

	slotKeyManager  = 0
	slotACME        = 1
	slotNetworkBase = 2
)

// record is the fixed, word-aligned layout shared across processes. Every
// field here is either supervisor-owned or worker-owned per spec.md §4.B;
// cross-process reads only ever see whole words, never torn values.
type record struct {
	id        int32
	cpu       int32
	pid       int32
	running   uint32
	restarted uint32
	hasLock   uint32

	// lastHandler names the bus message kind currently being dispatched in
	// this slot (spec.md §3's debug annotation), written by the worker
	// before it invokes a handler and read by the supervisor post-mortem
	// after the slot's process has exited. There is no synchronization
	// against a concurrent writer: the supervisor only ever reads this
	// field once the worker holding the slot is already dead.
	lastHandler [lastHandlerLen]byte
}

// lastHandlerLen bounds the debug annotation to the longest bus.Kind
// constant plus slack, matching the fixed-width, NUL-terminated slots the
// rest of this shared region uses.
const lastHandlerLen = 32

const recordSize = int(unsafe.Sizeof(record{}))

// RecordTable is a fixed-length view over the worker record array embedded
// in the shared region, indexable in O(1) by slot.
type RecordTable struct {
	base unsafe.Pointer
	n    int
}

// Len returns the number of slots in the table (network workers + 2
// reserved siblings).
func (t RecordTable) Len() int { return t.n }

// NetworkSlot returns the slot index for network worker id (1-based).
func NetworkSlot(id int) int { return slotNetworkBase + id - 1 }

func (t RecordTable) at(slot int) *record {
	return (*record)(unsafe.Add(t.base, uintptr(slot)*uintptr(recordSize)))
}

// WorkerRecord is a handle onto one slot of the shared record table.
type WorkerRecord struct {
	r *record
}

// Slot returns the WorkerRecord handle for the given slot index.
func (t RecordTable) Slot(slot int) WorkerRecord {
	return WorkerRecord{t.at(slot)}
}

// KeyManager returns the reserved key-manager slot.
func (t RecordTable) KeyManager() WorkerRecord { return t.Slot(slotKeyManager) }

// ACME returns the reserved ACME sibling slot.
func (t RecordTable) ACME() WorkerRecord { return t.Slot(slotACME) }

// Init is called once by the supervisor when a slot is (re)spawned. It is
// the only place id and cpu are ever written, preserving invariant 6: ids
// and cpu indices are stable across restarts of the same slot.
func (w WorkerRecord) Init(id int32, cpu int32) {
	atomic.StoreInt32(&w.r.id, id)
	atomic.StoreInt32(&w.r.cpu, cpu)
}

func (w WorkerRecord) ID() int32  { return atomic.LoadInt32(&w.r.id) }
func (w WorkerRecord) CPU() int32 { return atomic.LoadInt32(&w.r.cpu) }

// IsSibling reports whether this slot names the key-manager or ACME sibling,
// read from the role tag in the record (spec.md §9 "role tag in record").
// The supervisor itself branches on its own Worker.Role rather than on this.
func (w WorkerRecord) IsSibling() bool {
	id := w.ID()
	return id == RoleKeyManager || id == RoleACME
}

// SetPID is written only by the supervisor, on spawn.
func (w WorkerRecord) SetPID(pid int) { atomic.StoreInt32(&w.r.pid, int32(pid)) }
func (w WorkerRecord) PID() int       { return int(atomic.LoadInt32(&w.r.pid)) }

// SetRunning is written only by the supervisor.
func (w WorkerRecord) SetRunning(v bool) { atomic.StoreUint32(&w.r.running, boolWord(v)) }
func (w WorkerRecord) Running() bool     { return atomic.LoadUint32(&w.r.running) != 0 }

// SetRestarted is set by the supervisor when re-spawning a slot after a
// crash; the new process reads it once at startup to decide whether to
// request a fresh certificate payload immediately (spec.md §4.C), and the
// worker itself also writes it (runWorker sets it from its --restarted flag
// and the runtime clears it after its first completed round).
func (w WorkerRecord) SetRestarted(v bool) { atomic.StoreUint32(&w.r.restarted, boolWord(v)) }
func (w WorkerRecord) Restarted() bool     { return atomic.LoadUint32(&w.r.restarted) != 0 }

// SetHasLock is written only by the owning worker process.
func (w WorkerRecord) SetHasLock(v bool) { atomic.StoreUint32(&w.r.hasLock, boolWord(v)) }
func (w WorkerRecord) HasLock() bool     { return atomic.LoadUint32(&w.r.hasLock) != 0 }

// SetLastHandler records name as the handler currently executing in this
// slot, for the supervisor's post-mortem crash diagnostic (spec.md §7);
// called only by the worker process itself, from inside its own dispatch
// loop. A name longer than the fixed slot is truncated.
func (w WorkerRecord) SetLastHandler(name string) {
	var buf [lastHandlerLen]byte
	copy(buf[:], name)
	w.r.lastHandler = buf
}

// LastHandler returns the name last recorded by SetLastHandler. Only
// meaningful once the worker holding this slot has exited; there is no
// lock against a handler name being written while this is read.
func (w WorkerRecord) LastHandler() string {
	buf := w.r.lastHandler
	if n := bytes.IndexByte(buf[:], 0); n >= 0 {
		return string(buf[:n])
	}
	return string(buf[:])
}

func boolWord(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
