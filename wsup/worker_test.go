package wsup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.unix.lgbt/wrk/wsup/wsup/bus"
	"git.unix.lgbt/wrk/wsup/wsup/config"
	"git.unix.lgbt/wrk/wsup/wsup/exec"
	"git.unix.lgbt/wrk/wsup/wsup/shm"
)

const forever = 24 * time.Hour

// mockJournal is the root package's own small recorder, adapted from the
// reference's mockJournaler: every Write call is appended, read back with
// snapshot for assertions.
type mockJournal struct {
	mu     sync.Mutex
	events []Event
}

func (j *mockJournal) Write(ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *mockJournal) snapshot() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Event(nil), j.events...)
}

func newTestRecord(t *testing.T) (shm.WorkerRecord, func()) {
	t.Helper()
	region, err := shm.Create(3)
	if err != nil {
		t.Fatalf("shm.Create: %v", err)
	}
	record := region.Records.Slot(shm.NetworkSlot(1))
	record.Init(1, 0)
	return record, func() { region.Close() }
}

func newNextPID() func() int {
	var n int32
	return func() int { return int(atomic.AddInt32(&n, 1)) }
}

func TestWorkerCleanExitLeavesSlotEmpty(t *testing.T) {
	record, cleanup := newTestRecord(t)
	defer cleanup()

	j := &mockJournal{}
	nextPID := newNextPID()

	var spawnCount int32
	w := newWorker(shm.NetworkSlot(1), RoleNetwork, record, config.PolicyRestart, j,
		func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error) {
			atomic.AddInt32(&spawnCount, 1)
			return exec.NewSleepProcess(0, 0, nextPID()), nil, nil, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	w.start(ctx)

	// dura=0 exits clean almost immediately; give the monitor time to
	// observe it before we cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := w.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := atomic.LoadInt32(&spawnCount); got != 1 {
		t.Errorf("spawn called %d times, want 1 (a clean exit must not restart)", got)
	}
	if record.Running() {
		t.Error("record.Running() should be false after a clean exit")
	}
}

func TestWorkerUncleanExitRestartsUnderPolicyRestart(t *testing.T) {
	record, cleanup := newTestRecord(t)
	defer cleanup()

	j := &mockJournal{}
	nextPID := newNextPID()
	procCh := make(chan exec.Process, 8)

	var spawnCount int32
	w := newWorker(shm.NetworkSlot(1), RoleNetwork, record, config.PolicyRestart, j,
		func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error) {
			atomic.AddInt32(&spawnCount, 1)
			p := exec.NewSleepProcess(forever, 0, nextPID())
			procCh <- p
			return p, nil, nil, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.start(ctx)

	first := <-procCh
	first.Kill()

	select {
	case <-procCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not respawn after an unclean exit under policy restart")
	}

	if got := atomic.LoadInt32(&spawnCount); got < 2 {
		t.Errorf("spawn called %d times, want >= 2", got)
	}
	if !record.Restarted() {
		t.Error("record.Restarted() should be true after the respawn")
	}
}

func TestWorkerTerminatePolicyDoesNotRestart(t *testing.T) {
	record, cleanup := newTestRecord(t)
	defer cleanup()

	j := &mockJournal{}
	nextPID := newNextPID()

	var spawnCount int32
	exitSeen := make(chan ExitStatus, 1)

	w := newWorker(shm.NetworkSlot(1), RoleNetwork, record, config.PolicyTerminate, j,
		func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error) {
			atomic.AddInt32(&spawnCount, 1)
			return exec.NewSleepProcess(forever, 0, nextPID()), nil, nil, nil
		})
	w.onExit = func(status ExitStatus) { exitSeen <- status }

	ctx, cancel := context.WithCancel(context.Background())
	w.start(ctx)

	time.Sleep(10 * time.Millisecond)

	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	proc.Kill()

	select {
	case status := <-exitSeen:
		if status.Clean() {
			t.Error("expected an unclean exit status")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onExit was never called")
	}

	time.Sleep(20 * time.Millisecond) // give a buggy restart path a chance to fire
	if got := atomic.LoadInt32(&spawnCount); got != 1 {
		t.Errorf("spawn called %d times, want 1 (terminate policy must not restart)", got)
	}

	cancel()
	w.stop()
}

func TestWorkerSpawnErrorIsJournaledAndTerminal(t *testing.T) {
	record, cleanup := newTestRecord(t)
	defer cleanup()

	j := &mockJournal{}
	spawnErr := func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error) {
		return nil, nil, nil, context.DeadlineExceeded
	}

	w := newWorker(shm.NetworkSlot(1), RoleNetwork, record, config.PolicyTerminate, j, spawnErr)

	ctx, cancel := context.WithCancel(context.Background())
	w.start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	w.stop()

	var sawSpawnError bool
	for _, ev := range j.snapshot() {
		if _, ok := ev.(*EventWorkerSpawnError); ok {
			sawSpawnError = true
		}
	}
	if !sawSpawnError {
		t.Error("expected an EventWorkerSpawnError to be journaled")
	}
}

func TestWorkerShutdownSignalsBeforeTimeout(t *testing.T) {
	record, cleanup := newTestRecord(t)
	defer cleanup()

	j := &mockJournal{}
	nextPID := newNextPID()

	w := newWorker(shm.NetworkSlot(1), RoleNetwork, record, config.PolicyRestart, j,
		func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error) {
			return exec.NewSleepProcess(forever, 0, nextPID()), nil, nil, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	w.start(ctx)
	time.Sleep(10 * time.Millisecond)

	cancel()
	if err := w.stop(); err != nil {
		t.Errorf("stop() = %v, want nil (graceful SIGINT should succeed quickly)", err)
	}
}
