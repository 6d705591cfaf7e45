package wsup

import (
	"os"
	"syscall"
	"time"

	"git.unix.lgbt/wrk/wsup/wsup/bus"
	"git.unix.lgbt/wrk/wsup/wsup/shm"
)

// AcceptGate is the worker's view onto the (out-of-scope) HTTP pipeline and
// listener: connection/request counts to gate lock acquisition and
// release, plus the two accept-readiness toggles a lock transfer drives.
// Production code backs this with the real listener; tests use a fake.
type AcceptGate interface {
	ActiveConnections() int
	InFlightRequests() int
	EnableAccept()
	DisableAccept()
}

// EventSource is the "wait(timeout) → ready set" primitive spec.md §1
// names as an external collaborator; WorkerRuntime only needs to block for
// up to a computed duration, not to interpret what became ready.
type EventSource interface {
	Wait(timeout time.Duration) error
}

// InfiniteWait is netwait's value when nothing scheduled requires the
// round to wake up early.
const InfiniteWait time.Duration = -1

// WorkerSoloCount is the pool-size threshold at or under which every
// worker reports has_lock=true without ever calling try_acquire
// (spec.md §9). Duplicated as a plain constant rather than imported from
// package config, since pulling in the whole config package here just for
// one number would invert the dependency for no reason — config already
// depends on nothing in this package.
const WorkerSoloCount = 3

// ReleasePredicate reports whether the current AcceptGate state means the
// lock holder should give up the lock this round. WorkerRuntime ORs a
// slice of these together (spec.md §9 OQ1): the connection-count predicate
// is always present, and the HTTP-request-count predicate is appended only
// when a request limit is actually configured, so a single-protocol build
// collapses to one predicate without a build tag.
type ReleasePredicate func(AcceptGate) bool

// ConnectionsAtLimit is the release predicate always in effect.
func ConnectionsAtLimit(maxConnections int) ReleasePredicate {
	return func(g AcceptGate) bool { return g.ActiveConnections() >= maxConnections }
}

// RequestsAtLimit is appended only when the HTTP pipeline is compiled in.
func RequestsAtLimit(limit int) ReleasePredicate {
	return func(g AcceptGate) bool { return g.InFlightRequests() >= limit }
}

// WorkerRuntime is the per-process main loop of a network worker
// (spec.md §4.D). It owns no I/O itself; every side effect it can't
// perform directly (timers, the HTTP pipeline, cooperative tasks, idle
// sweeps) is an optional hook, left nil by a caller that doesn't need it.
type WorkerRuntime struct {
	ID     int32
	CPU    int32
	record shm.WorkerRecord
	lock   *shm.LockRegion

	Bus     *bus.WorkerBus
	Gate    AcceptGate
	Journal Journaler

	// NoLock mirrors spec.md §9's worker_no_lock / solo-threshold /
	// no-listener bypasses: when true, has_lock is set once and never
	// released, and try_acquire is never called (invariant: "no CAS is
	// ever attempted").
	NoLock bool

	MaxConnections    int
	HTTPRequestLimit  int // 0 means the HTTP pipeline isn't compiled in
	releasePredicates []ReleasePredicate

	KeymgrActive   bool
	ReseedInterval time.Duration
	lastSeed       time.Time

	acceptAvail            bool
	acceptEnabledLastRound bool

	pendingSignal os.Signal

	Reload    func()
	Reap      func()
	Timers    func(now time.Time)
	HTTP      func()
	Tasks     func()
	IdleSweep func(now time.Time)
	Prune     func()

	// Teardown runs once, synchronously, the moment a quit signal is
	// drained and before Round returns true — spec.md §4.D's "on loop
	// exit" sequence, e.g. announcing SHUTDOWN to the parent over the bus.
	Teardown func()

	lastIdleSweep time.Time
}

// NewWorkerRuntime builds a runtime bound to a slot's shared record and the
// process-wide accept lock, wiring the release predicates per OQ1 and the
// acquire bypasses per spec.md §9: pool size at or below WorkerSoloCount,
// or noListeners (nlisteners == 0), both leave has_lock permanently true.
func NewWorkerRuntime(record shm.WorkerRecord, lock *shm.LockRegion, poolSize int, maxConnections, httpRequestLimit int, noListeners bool) *WorkerRuntime {
	rt := &WorkerRuntime{
		ID:               record.ID(),
		CPU:              record.CPU(),
		record:           record,
		lock:             lock,
		MaxConnections:   maxConnections,
		HTTPRequestLimit: httpRequestLimit,
		ReseedInterval:   time.Hour,
	}
	rt.releasePredicates = []ReleasePredicate{ConnectionsAtLimit(maxConnections)}
	if httpRequestLimit > 0 {
		rt.releasePredicates = append(rt.releasePredicates, RequestsAtLimit(httpRequestLimit))
	}

	if poolSize <= WorkerSoloCount || noListeners {
		rt.NoLock = true
		record.SetHasLock(true)
	}

	return rt
}

// NotifySignal records a pending signal for the next Round to drain,
// exactly as a Unix signal handler only ever sets a flag and lets the main
// loop act on it (spec.md §4.D step 8).
func (rt *WorkerRuntime) NotifySignal(sig os.Signal) { rt.pendingSignal = sig }

// NotifyAcceptAvailable is the bus handler for ACCEPT_AVAILABLE
// broadcasts: it only ever sets a flag, the acquisition attempt itself
// happens on the next round (spec.md §4.D "Receiving ACCEPT_AVAILABLE").
func (rt *WorkerRuntime) NotifyAcceptAvailable() { rt.acceptAvail = true }

// MakeBusy is the hook upstream components call before a long-running
// operation, forcing a voluntary release this round regardless of the
// connection/request predicates (spec.md §4.D "make_busy() hook").
func (rt *WorkerRuntime) MakeBusy() {
	if rt.NoLock || !rt.record.HasLock() {
		return
	}
	rt.releaseLock("make_busy")
}

// Round runs exactly one iteration of the main loop and reports whether
// the worker should exit (a quit signal was drained). Steps 4 and 5
// (computing netwait and actually blocking on the event source) are the
// caller's responsibility — see NetWait — since the wait primitive itself
// is an external collaborator this package only consumes.
func (rt *WorkerRuntime) Round(now time.Time) bool {
	// Step 2: periodic entropy reseed.
	if rt.KeymgrActive && rt.ReseedInterval > 0 && now.Sub(rt.lastSeed) >= rt.ReseedInterval {
		if rt.Bus != nil {
			rt.Bus.Send(bus.Dest(shm.RoleKeyManager), bus.KindEntropyReq, nil)
		}
		rt.lastSeed = now
	}

	// Step 3: attempt acquisition if idle and availability was signaled.
	if !rt.record.HasLock() && rt.acceptAvail {
		rt.tryAcquire()
	}

	// Step 6: release evaluation.
	if rt.record.HasLock() && !rt.NoLock && rt.shouldRelease() {
		rt.releaseLock("ceiling reached")
	}

	// Step 7: disable accept readiness if we lost the lock since last round.
	if !rt.record.HasLock() && rt.acceptEnabledLastRound && rt.Gate != nil {
		rt.Gate.DisableAccept()
		rt.acceptEnabledLastRound = false
	}

	// Step 8-9: drain the signal flag; quit ends the loop immediately.
	if rt.drainSignal() {
		return true
	}

	// Step 10.
	if rt.Timers != nil {
		rt.Timers(now)
	}
	if rt.HTTP != nil {
		rt.HTTP()
	}
	if rt.Tasks != nil {
		rt.Tasks()
	}

	// Step 11: idle sweep, at most every 500ms.
	if rt.IdleSweep != nil && now.Sub(rt.lastIdleSweep) >= 500*time.Millisecond {
		rt.IdleSweep(now)
		rt.lastIdleSweep = now
	}

	// Step 12.
	if rt.Prune != nil {
		rt.Prune()
	}

	return false
}

// NetWait computes step 4's wait timeout: 10ms if a signal is pending,
// 100ms if any HTTP request is in flight, 10ms if a cooperative task is
// runnable, otherwise InfiniteWait.
func (rt *WorkerRuntime) NetWait(taskRunnable bool) time.Duration {
	if rt.pendingSignal != nil {
		return 10 * time.Millisecond
	}
	if rt.Gate != nil && rt.Gate.InFlightRequests() > 0 {
		return 100 * time.Millisecond
	}
	if taskRunnable {
		return 10 * time.Millisecond
	}
	return InfiniteWait
}

// drainSignal implements step 8: SIGHUP reloads, SIGINT/SIGTERM/SIGQUIT
// set quit, SIGCHLD reaps, anything else is ignored.
func (rt *WorkerRuntime) drainSignal() (quit bool) {
	sig := rt.pendingSignal
	rt.pendingSignal = nil
	if sig == nil {
		return false
	}

	switch sig {
	case syscall.SIGHUP:
		if rt.Reload != nil {
			rt.Reload()
		}
	case os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT:
		if rt.Teardown != nil {
			rt.Teardown()
		}
		return true
	case syscall.SIGCHLD:
		if rt.Reap != nil {
			rt.Reap()
		}
	}
	return false
}

// tryAcquire implements the acquire policy: bypassed entirely when NoLock
// is set, or when the gate reports connection/request ceilings already
// reached.
func (rt *WorkerRuntime) tryAcquire() {
	if rt.NoLock {
		return
	}
	if rt.Gate != nil {
		if rt.MaxConnections > 0 && rt.Gate.ActiveConnections() >= rt.MaxConnections {
			return
		}
		if rt.HTTPRequestLimit > 0 && rt.Gate.InFlightRequests() >= rt.HTTPRequestLimit {
			return
		}
	}

	if rt.lock.TryAcquire(os.Getpid()) {
		rt.record.SetHasLock(true)
		rt.acceptAvail = false
		if rt.Gate != nil && !rt.acceptEnabledLastRound {
			rt.Gate.EnableAccept()
			rt.acceptEnabledLastRound = true
		}
	}
}

func (rt *WorkerRuntime) shouldRelease() bool {
	if rt.Gate == nil {
		return false
	}
	for _, pred := range rt.releasePredicates {
		if pred(rt.Gate) {
			return true
		}
	}
	return false
}

func (rt *WorkerRuntime) releaseLock(reason string) {
	if err := rt.lock.Release(); err == nil {
		rt.record.SetHasLock(false)
	}
	if rt.Journal != nil {
		rt.Journal.Write(&EventAcceptLockReleased{Slot: int(rt.ID), Reason: reason})
	}
	if rt.Bus != nil {
		rt.Bus.Send(bus.DestAll, bus.KindAcceptAvailable, nil)
	}
}

// MarkRoundComplete clears the restarted flag after the first full loop
// iteration, per spec.md §9 scenario 3 ("restarted reads true... until its
// first loop iteration completes").
func (rt *WorkerRuntime) MarkRoundComplete() {
	if rt.record.Restarted() {
		rt.record.SetRestarted(false)
	}
}
