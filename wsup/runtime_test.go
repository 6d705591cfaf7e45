package wsup

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"git.unix.lgbt/wrk/wsup/wsup/shm"
)

// fakeGate is a settable AcceptGate double; tests drive its counters
// directly instead of running a real listener.
type fakeGate struct {
	mu           sync.Mutex
	conns        int
	inFlight     int
	enableCalls  int
	disableCalls int
}

func (g *fakeGate) ActiveConnections() int { g.mu.Lock(); defer g.mu.Unlock(); return g.conns }
func (g *fakeGate) InFlightRequests() int  { g.mu.Lock(); defer g.mu.Unlock(); return g.inFlight }
func (g *fakeGate) EnableAccept()          { g.mu.Lock(); g.enableCalls++; g.mu.Unlock() }
func (g *fakeGate) DisableAccept()         { g.mu.Lock(); g.disableCalls++; g.mu.Unlock() }

func (g *fakeGate) setConns(n int) {
	g.mu.Lock()
	g.conns = n
	g.mu.Unlock()
}

func newTestRuntime(t *testing.T, poolSize int, noListeners bool) (*WorkerRuntime, *shm.Region, func()) {
	t.Helper()
	region, err := shm.Create(3)
	if err != nil {
		t.Fatalf("shm.Create: %v", err)
	}
	record := region.Records.Slot(shm.NetworkSlot(1))
	record.Init(1, 0)

	rt := NewWorkerRuntime(record, region.Lock, poolSize, 10, 0, noListeners)
	return rt, region, func() { region.Close() }
}

func TestNewWorkerRuntimeSoloBypassSkipsLock(t *testing.T) {
	rt, region, cleanup := newTestRuntime(t, WorkerSoloCount, false)
	defer cleanup()

	if !rt.NoLock {
		t.Error("NoLock should be true at the solo threshold")
	}
	if !rt.record.HasLock() {
		t.Error("record.HasLock() should be true immediately under the solo bypass")
	}
	if region.Lock.Held() {
		t.Error("the shared lock itself must never be touched under the solo bypass")
	}
}

func TestNewWorkerRuntimeNoListenersBypass(t *testing.T) {
	rt, _, cleanup := newTestRuntime(t, 16, true)
	defer cleanup()

	if !rt.NoLock {
		t.Error("NoLock should be true when noListeners is set, regardless of pool size")
	}
}

func TestWorkerRuntimeAcquiresOnAcceptAvailable(t *testing.T) {
	rt, region, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()

	gate := &fakeGate{}
	rt.Gate = gate

	if rt.record.HasLock() {
		t.Fatal("a fresh multi-worker runtime must not start holding the lock")
	}

	rt.NotifyAcceptAvailable()
	rt.Round(time.Now())

	if !rt.record.HasLock() {
		t.Error("Round should have acquired the lock after ACCEPT_AVAILABLE")
	}
	// TryAcquire stamps os.Getpid(); confirm the shared holder word agrees
	// with the record.
	if got := region.Lock.Current(); got != os.Getpid() {
		t.Errorf("lock holder = %d, want this process's pid %d", got, os.Getpid())
	}
	if !region.Lock.Held() {
		t.Error("the shared lock word should be held")
	}
	if gate.enableCalls != 1 {
		t.Errorf("EnableAccept called %d times, want 1", gate.enableCalls)
	}
}

func TestWorkerRuntimeReleasesAtConnectionCeiling(t *testing.T) {
	rt, region, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()

	gate := &fakeGate{}
	rt.Gate = gate
	j := &mockJournal{}
	rt.Journal = j

	rt.NotifyAcceptAvailable()
	rt.Round(time.Now())
	if !rt.record.HasLock() {
		t.Fatal("setup: runtime should hold the lock before the ceiling test")
	}

	gate.setConns(10) // == MaxConnections
	rt.Round(time.Now())

	if rt.record.HasLock() {
		t.Error("Round should have released the lock once connections reached the ceiling")
	}
	if region.Lock.Held() {
		t.Error("the shared lock word should be free after release")
	}

	var sawRelease bool
	for _, ev := range j.snapshot() {
		if _, ok := ev.(*EventAcceptLockReleased); ok {
			sawRelease = true
		}
	}
	if !sawRelease {
		t.Error("expected an EventAcceptLockReleased to be journaled")
	}
}

func TestWorkerRuntimeDisablesAcceptOnceLockLost(t *testing.T) {
	rt, _, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()

	gate := &fakeGate{}
	rt.Gate = gate

	rt.NotifyAcceptAvailable()
	rt.Round(time.Now())
	if gate.enableCalls != 1 {
		t.Fatal("setup: expected EnableAccept to have fired")
	}

	gate.setConns(10)
	rt.Round(time.Now()) // release (step 6) and disable (step 7) both happen this round
	rt.Round(time.Now()) // a further round must not disable again

	if gate.disableCalls != 1 {
		t.Errorf("DisableAccept called %d times, want 1", gate.disableCalls)
	}
}

func TestWorkerRuntimeDrainSignalQuitsOnTerm(t *testing.T) {
	rt, _, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()

	rt.NotifySignal(syscall.SIGTERM)
	if quit := rt.Round(time.Now()); !quit {
		t.Error("Round should report quit=true on SIGTERM")
	}
}

func TestWorkerRuntimeTeardownFiresBeforeQuit(t *testing.T) {
	rt, _, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()

	var torn bool
	rt.Teardown = func() { torn = true }

	rt.NotifySignal(syscall.SIGQUIT)
	if quit := rt.Round(time.Now()); !quit {
		t.Error("Round should report quit=true on SIGQUIT")
	}
	if !torn {
		t.Error("Teardown hook should have fired before quit")
	}
}

func TestWorkerRuntimeReloadHookFiresOnSIGHUP(t *testing.T) {
	rt, _, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()

	var reloaded bool
	rt.Reload = func() { reloaded = true }

	rt.NotifySignal(syscall.SIGHUP)
	if quit := rt.Round(time.Now()); quit {
		t.Error("SIGHUP must not quit the loop")
	}
	if !reloaded {
		t.Error("Reload hook should have fired for SIGHUP")
	}
}

func TestWorkerRuntimeMakeBusyForcesRelease(t *testing.T) {
	rt, region, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()
	rt.Gate = &fakeGate{}

	rt.NotifyAcceptAvailable()
	rt.Round(time.Now())
	if !rt.record.HasLock() {
		t.Fatal("setup: expected the lock to be acquired")
	}

	rt.MakeBusy()

	if rt.record.HasLock() {
		t.Error("MakeBusy should force an immediate release")
	}
	if region.Lock.Held() {
		t.Error("the shared lock word should be free after MakeBusy")
	}
}

func TestWorkerRuntimeMarkRoundCompleteClearsRestarted(t *testing.T) {
	rt, _, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()

	rt.record.SetRestarted(true)
	rt.MarkRoundComplete()

	if rt.record.Restarted() {
		t.Error("MarkRoundComplete should clear the restarted flag")
	}
}

func TestWorkerRuntimeNetWait(t *testing.T) {
	rt, _, cleanup := newTestRuntime(t, 16, false)
	defer cleanup()

	if got := rt.NetWait(false); got != InfiniteWait {
		t.Errorf("NetWait with nothing pending = %v, want InfiniteWait", got)
	}

	rt.NotifySignal(syscall.SIGHUP)
	if got := rt.NetWait(false); got != 10*time.Millisecond {
		t.Errorf("NetWait with a pending signal = %v, want 10ms", got)
	}
	rt.NotifySignal(nil) // consumed implicitly by drainSignal in real use; reset for isolation

	gate := &fakeGate{inFlight: 1}
	rt.Gate = gate
	if got := rt.NetWait(false); got != 100*time.Millisecond {
		t.Errorf("NetWait with an in-flight request = %v, want 100ms", got)
	}

	rt.Gate = &fakeGate{}
	if got := rt.NetWait(true); got != 10*time.Millisecond {
		t.Errorf("NetWait with a runnable task = %v, want 10ms", got)
	}
}
