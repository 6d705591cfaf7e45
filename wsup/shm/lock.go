package shm

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

const lockRegionSize = 8 // 4-byte lock word + 4-byte pid, per spec.md §6 layout

// LockRegion is the shared accept lock: a 32-bit lock word (0 = free, 1 =
// held) and the pid of the current holder. All mutation goes through
// TryAcquire/Release so nothing else in the codebase can perform a
// non-atomic write to the lock word (spec.md §9).
type LockRegion struct {
	word    uint32
	current int32
}

// TryAcquire performs the CAS(0→1) described in spec.md §4.A. On success it
// records the caller's pid as the holder and returns true. It never blocks.
func (l *LockRegion) TryAcquire(pid int) bool {
	if !atomic.CompareAndSwapUint32(&l.word, 0, 1) {
		return false
	}
	atomic.StoreInt32(&l.current, int32(pid))
	return true
}

// Release clears the holder pid and then CASes the word back to 0. A failed
// CAS (word already 0) means the supervisor pre-emptively forced the lock
// open after observing this process crash; it is logged by the caller, not
// treated as fatal here.
func (l *LockRegion) Release() error {
	atomic.StoreInt32(&l.current, 0)
	if !atomic.CompareAndSwapUint32(&l.word, 1, 0) {
		return errors.New("shm: release on a lock already free")
	}
	return nil
}

// ForceRelease is called only by the supervisor, after reaping a worker that
// died while holding the lock (spec.md §4.C). It unconditionally resets both
// fields regardless of the word's current value.
func (l *LockRegion) ForceRelease() {
	atomic.StoreInt32(&l.current, 0)
	atomic.StoreUint32(&l.word, 0)
}

// Current returns the pid of the lock's current holder, or 0 if free.
func (l *LockRegion) Current() int {
	return int(atomic.LoadInt32(&l.current))
}

// Held reports whether the lock is currently held by anyone.
func (l *LockRegion) Held() bool {
	return atomic.LoadUint32(&l.word) == 1
}
