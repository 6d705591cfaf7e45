package wsup

import (
	"context"
	"os"
	"sync"
	"time"

	"git.unix.lgbt/wrk/wsup/wsup/bus"
	"git.unix.lgbt/wrk/wsup/wsup/config"
	"git.unix.lgbt/wrk/wsup/wsup/exec"
	"git.unix.lgbt/wrk/wsup/wsup/shm"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

var errShutdownTimeout = errors.New("wsup: timed out waiting for worker to exit")

// Role distinguishes a network worker from the two reserved siblings. Only
// network workers contend for the accept lock or run the HTTP pipeline;
// siblings run their own loops entirely (package wsup/keymgr).
type Role int

const (
	RoleNetwork Role = iota
	RoleKeyManager
	RoleACME
)

// Worker is the supervisor's process-local handle on one slot: the shared
// record view, the live (or most recent) child process, and the restart
// bookkeeping that spec.md §9 OQ3 keeps out of shared memory entirely. None
// of this struct's fields are visible to any other process.
type Worker struct {
	Slot int
	Role Role

	record shm.WorkerRecord

	j      Journaler
	policy config.WorkerPolicy
	spawn  func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error)

	backoff *backoff.ExponentialBackOff

	evCh chan func()
	dead chan ExitStatus
	done chan error

	// onExit is invoked as soon as the monitor loop observes the process
	// has exited, before it decides whether to restart — this is where the
	// supervisor force-releases the accept lock if the dead worker was its
	// holder (spec.md §4.C), and where sibling loss and terminate-policy
	// exits trigger full shutdown.
	onExit func(ExitStatus)

	mu         sync.Mutex
	proc       exec.Process
	removePeer func()
}

// ExitStatus mirrors exec.ExitStatus, named locally so this file doesn't
// have to import exec just for the monitor loop's channel type.
type ExitStatus = exec.ExitStatus

// newWorker builds a Worker bound to slot/role, with its own exponential
// backoff state reset to a fresh run. spawnFn re-execs the binary for this
// slot and wires its control connection into the relay; it is a function
// rather than a method so tests can substitute exec.NewSleepProcess.
func newWorker(slot int, role Role, record shm.WorkerRecord, policy config.WorkerPolicy, j Journaler,
	spawnFn func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error)) *Worker {

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 0
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never stop retrying on its own; policy decides that

	return &Worker{
		Slot:    slot,
		Role:    role,
		record:  record,
		j:       j,
		policy:  policy,
		spawn:   spawnFn,
		backoff: b,
		evCh:    make(chan func()),
		dead:    make(chan ExitStatus, 1),
		done:    make(chan error, 1),
	}
}

// LastHandler returns the name the worker itself last recorded being inside
// (spec.md §7's post-mortem diagnostic), read from the shared record rather
// than any supervisor-local bookkeeping: the worker writes it directly from
// its own process, and it survives the worker's death.
func (w *Worker) LastHandler() string {
	return w.record.LastHandler()
}

// start launches the child process for the first time and begins the
// monitor loop that will restart it per policy until ctx is canceled.
func (w *Worker) start(ctx context.Context) {
	go w.monitor(ctx)
	w.evCh <- func() { w.spawnOnce(ctx) }
}

func (w *Worker) spawnOnce(ctx context.Context) {
	proc, conn, remove, err := w.spawn(ctx, w)
	if err != nil {
		w.j.Write(&EventWorkerSpawnError{Slot: w.Slot, Reason: err.Error()})
		w.dead <- ExitStatus{Code: -1, Error: err}
		return
	}

	w.mu.Lock()
	w.proc = proc
	w.removePeer = remove
	w.mu.Unlock()

	w.record.SetPID(proc.PID())
	w.record.SetRunning(true)

	w.j.Write(&EventWorkerSpawned{
		Slot:      w.Slot,
		ID:        int(w.record.ID()),
		CPU:       int(w.record.CPU()),
		PID:       proc.PID(),
		Restarted: w.record.Restarted(),
	})

	_ = conn // the relay owns conn once AddPeer has been called inside spawn

	go func() {
		status := proc.Wait()
		w.dead <- status
	}()
}

// signal delivers sig to the underlying process, if any is currently
// running.
func (w *Worker) signal(sig os.Signal) error {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Signal(sig)
}

// stop blocks until the monitor loop reports the result of its shutdown. It
// does not itself signal the worker: canceling the context passed to start
// is what triggers the shutdown, so call stop only after that.
func (w *Worker) stop() error {
	return <-w.done
}

// monitor is the per-slot restart state machine, adapted directly from the
// reference Process.startMonitor: an event channel for commands, a dead
// channel fed by the process waiter, and a backoff timer gating restarts.
func (w *Worker) monitor(ctx context.Context) {
	var restart <-chan time.Time
	var timer *time.Timer

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			restart = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.done <- w.shutdown()
			stopTimer()
			return

		case <-restart:
			stopTimer()
			w.spawnOnce(ctx)

		case status := <-w.dead:
			deadPID := w.record.PID()

			w.mu.Lock()
			w.proc = nil
			if w.removePeer != nil {
				w.removePeer()
				w.removePeer = nil
			}
			w.mu.Unlock()

			w.record.SetRunning(false)
			w.j.Write(&EventWorkerExited{Slot: w.Slot, PID: deadPID, ExitCode: status.Code})

			if w.onExit != nil {
				w.onExit(status)
			}

			if status.Clean() {
				// Leave the slot empty, per spec.md §4.C's reap() rule.
				continue
			}

			if w.policy == config.PolicyTerminate {
				// The onExit callback (Supervisor.onWorkerExit) has already
				// seen the unclean ExitStatus together with policy ==
				// terminate and triggered full shutdown; this loop itself
				// does not self-terminate the process tree.
				continue
			}

			w.record.SetRestarted(true)
			stopTimer()
			timer = time.NewTimer(w.backoff.NextBackOff())
			restart = timer.C

		case fn := <-w.evCh:
			fn()
		}
	}
}

func (w *Worker) shutdown() error {
	w.mu.Lock()
	proc := w.proc
	w.mu.Unlock()

	if proc == nil {
		return nil
	}

	if err := proc.Signal(os.Interrupt); err != nil {
		proc.Kill()
	}

	after := time.NewTimer(ShutdownDrainTimeout)
	defer after.Stop()

	select {
	case <-after.C:
		proc.Kill()
		<-w.dead
		return errShutdownTimeout
	case <-w.dead:
		return nil
	}
}

// ShutdownDrainTimeout bounds how long the supervisor waits for a worker to
// exit cleanly after SIGINT before escalating to SIGKILL.
var ShutdownDrainTimeout = 30 * time.Second
