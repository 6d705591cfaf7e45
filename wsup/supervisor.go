package wsup

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"

	"git.unix.lgbt/wrk/wsup/wsup/admin"
	"git.unix.lgbt/wrk/wsup/wsup/bus"
	"git.unix.lgbt/wrk/wsup/wsup/config"
	"git.unix.lgbt/wrk/wsup/wsup/exec"
	"git.unix.lgbt/wrk/wsup/wsup/metrics"
	"git.unix.lgbt/wrk/wsup/wsup/shm"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ReexecFlag is the hidden cobra subcommand name the supervisor's own
// binary is re-invoked with to become a worker or sibling instead of a
// fresh supervisor (spec.md's "Go has no fork()" process model note). The
// cobra command itself lives in the cmd package, not here; Supervisor only
// needs its name to build argv.
const ReexecFlag = "worker"

// Supervisor owns the shared memory region, the message-bus relay, and
// every worker/sibling slot's lifecycle: spawn, signal dispatch, reap, and
// orderly shutdown (spec.md §4.C).
type Supervisor struct {
	cfg     *config.Config
	j       Journaler
	metrics *metrics.Metrics

	self     string // argv[0] for re-exec
	poolSize int    // network workers only, excluding the two reserved sibling slots

	region *shm.Region
	relay  *bus.Relay

	cancel context.CancelFunc

	mu       sync.Mutex
	workers  []*Worker
	stopping bool
}

// NewSupervisor builds a Supervisor; Initialize must be called before any
// other method.
func NewSupervisor(cfg *config.Config, j Journaler, m *metrics.Metrics) *Supervisor {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return &Supervisor{cfg: cfg, j: j, metrics: m, self: self}
}

// Initialize allocates the shared region, spawns the key-manager and ACME
// siblings (if enabled) and every network worker round-robin across CPUs,
// per spec.md §4.C's initialize(pool_size).
func (s *Supervisor) Initialize(ctx context.Context, detectedCPUs int) error {
	poolSize := s.cfg.EffectivePoolSize(detectedCPUs)
	if poolSize <= 0 {
		return errors.New("wsup: effective pool size must be > 0")
	}
	s.poolSize = poolSize

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ctx = runCtx

	region, err := shm.Create(poolSize + 2)
	if err != nil {
		return errors.Wrap(err, "wsup: allocate shared region")
	}
	s.region = region
	s.relay = bus.NewRelay()
	s.relay.OnDropped = s.onDropped
	s.relay.OnParent = s.onParent

	if s.cfg.ACMEEnabled {
		w := s.newSiblingWorker(RoleACME, shm.RoleACME, 0)
		w.onExit = s.onSiblingExit("acme")
		if err := s.spawnAndRegister(ctx, w); err != nil {
			return errors.Wrap(err, "wsup: spawn acme sibling")
		}
	}
	if s.cfg.KeymgrEnabled {
		w := s.newSiblingWorker(RoleKeyManager, shm.RoleKeyManager, 0)
		w.onExit = s.onSiblingExit("keymgr")
		if err := s.spawnAndRegister(ctx, w); err != nil {
			return errors.Wrap(err, "wsup: spawn key manager")
		}
	}

	for i := 1; i <= poolSize; i++ {
		cpu := (i - 1) % detectedCPUs
		slot := shm.NetworkSlot(i)
		record := s.region.Records.Slot(slot)
		record.Init(int32(i), int32(cpu))

		w := newWorker(slot, RoleNetwork, record, s.cfg.WorkerPolicy, s.j, s.spawnFunc(slot))
		w.onExit = s.onWorkerExit(w)
		if err := s.spawnAndRegister(ctx, w); err != nil {
			return errors.Wrapf(err, "wsup: spawn worker %d", i)
		}
	}

	return nil
}

func (s *Supervisor) newSiblingWorker(role Role, recordID int32, cpu int32) *Worker {
	var slot int
	switch recordID {
	case shm.RoleKeyManager:
		slot = 0
	case shm.RoleACME:
		slot = 1
	}
	record := s.region.Records.Slot(slot)
	record.Init(recordID, cpu)
	// Siblings are never restarted in place regardless of the configured
	// network-worker policy (spec.md §9 scenario 5); PolicyTerminate here
	// only suppresses the monitor loop's own restart branch, since onExit
	// (set by the caller) is what actually drives the supervisor shutdown.
	return newWorker(slot, role, record, config.PolicyTerminate, s.j, s.spawnFunc(slot))
}

func (s *Supervisor) spawnAndRegister(ctx context.Context, w *Worker) error {
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()

	w.start(ctx)
	return nil
}

// spawnFunc returns the closure a Worker calls to re-exec the binary for
// its own slot: it creates the control socketpair, builds argv encoding
// slot/id/cpu/role, starts the child, and then registers the
// supervisor-side connection with the relay.
func (s *Supervisor) spawnFunc(slot int) func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error) {
	return func(ctx context.Context, w *Worker) (exec.Process, *bus.Conn, func(), error) {
		fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "wsup: socketpair")
		}

		// Non-blocking on both ends so a full send buffer on the control
		// channel never stalls a round (spec.md §4.C/§5/§6).
		if err := unix.SetNonblock(fds[0], true); err != nil {
			return nil, nil, nil, errors.Wrap(err, "wsup: set child control socket non-blocking")
		}
		if err := unix.SetNonblock(fds[1], true); err != nil {
			return nil, nil, nil, errors.Wrap(err, "wsup: set parent control socket non-blocking")
		}

		childSock := os.NewFile(uintptr(fds[0]), "wsup-control-child")
		parentSock := os.NewFile(uintptr(fds[1]), "wsup-control-parent")

		argv := []string{
			s.self,
			ReexecFlag,
			"--slot", strconv.Itoa(slot),
			"--id", strconv.Itoa(int(w.record.ID())),
			"--cpu", strconv.Itoa(int(w.record.CPU())),
			"--role", roleName(w.Role),
			"--restarted", strconv.FormatBool(w.record.Restarted()),
			"--pool-size", strconv.Itoa(s.poolSize),
		}

		proc, err := exec.StartWorker(exec.StartWorkerArgs{
			Argv:       argv,
			ExtraFiles: []*os.File{childSock, s.region.File()},
			Env:        os.Environ(),
		})
		childSock.Close()
		if err != nil {
			parentSock.Close()
			return nil, nil, nil, err
		}

		conn := bus.NewConn(parentSock)
		dest := workerDest(w)
		remove := s.relay.AddPeer(dest, conn)

		return proc, conn, remove, nil
	}
}

func workerDest(w *Worker) bus.Dest {
	switch w.Role {
	case RoleKeyManager:
		return bus.Dest(shm.RoleKeyManager)
	case RoleACME:
		return bus.Dest(shm.RoleACME)
	default:
		return bus.Dest(w.record.ID())
	}
}

func roleName(r Role) string {
	switch r {
	case RoleKeyManager:
		return "keymgr"
	case RoleACME:
		return "acme"
	default:
		return "network"
	}
}

// onParent handles envelopes addressed to the supervisor itself: today
// that is only a worker's voluntary SHUTDOWN notice on its way out, logged
// but otherwise a no-op since the monitor loop already tracks exit via Wait.
func (s *Supervisor) onParent(from bus.Dest, env bus.Envelope) {
	if env.Kind == bus.KindShutdown {
		s.j.Write(&EventWarning{Component: "bus", Error: fmt.Sprintf("worker %d announced shutdown", from)})
	}
}

func (s *Supervisor) onDropped(from bus.Dest, env bus.Envelope, reason error) {
	s.j.Write(&EventKeymgrMessageDropped{Kind: env.Kind, Reason: reason.Error()})
}

// DispatchSignal delivers sig to every worker's process, per spec.md §6
// ("SIGHUP → forward to all workers"). Individual delivery failures are
// aggregated and returned together rather than aborting the fan-out.
func (s *Supervisor) DispatchSignal(sig os.Signal) error {
	s.mu.Lock()
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	var result *multierror.Error
	for _, w := range workers {
		if err := w.signal(sig); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// onWorkerExit force-releases the accept lock if this worker held it, and
// escalates to full shutdown when the terminate policy is in effect and the
// exit was unclean (spec.md §9 scenario 4).
func (s *Supervisor) onWorkerExit(w *Worker) func(ExitStatus) {
	return func(status ExitStatus) {
		s.ForceReleaseIfHeldBy(w.record.PID())

		if !status.Clean() {
			s.j.Write(&EventWorkerCrashed{
				Slot: w.Slot,
				PID:  w.record.PID(),
				// SandboxKill is left false: ExitStatus doesn't carry the
				// terminating signal number, only a synthetic code, so a
				// seccomp kill can't be distinguished from any other crash
				// yet.
				LastHandler: w.LastHandler(),
			})
		}

		if !status.Clean() && w.policy == config.PolicyTerminate {
			s.j.Write(&EventWarning{Component: "supervisor", Error: "worker policy is 'terminate', stopping"})
			go s.Shutdown(context.Background(), "worker policy is 'terminate'")
		}
	}
}

// onSiblingExit implements spec.md §9 scenario 5: losing the key manager or
// ACME sibling is unconditionally unrecoverable, clean exit or not, and is
// never retried in place.
func (s *Supervisor) onSiblingExit(name string) func(ExitStatus) {
	return func(ExitStatus) {
		s.j.Write(&EventWarning{Component: "supervisor", Error: name + " process gone, stopping"})
		go s.Shutdown(context.Background(), name+" process gone")
	}
}

// ForceReleaseIfHeldBy clears the accept lock if it is currently attributed
// to pid, called by onWorkerExit immediately after observing a worker's exit
// (spec.md §4.C / invariant: "within one reap cycle... accept_lock.current
// is 0 and accept_lock.lock is 0").
func (s *Supervisor) ForceReleaseIfHeldBy(pid int) {
	if s.region.Lock.Current() != pid {
		return
	}
	s.region.Lock.ForceRelease()
	if s.metrics != nil {
		s.metrics.AcceptLockForced.Inc()
	}
	s.j.Write(&EventAcceptLockForced{DeadPID: pid})
}

// Status snapshots every slot for the admin socket's "status" command.
func (s *Supervisor) Status() []admin.WorkerStatus {
	s.mu.Lock()
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	out := make([]admin.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, admin.WorkerStatus{
			Slot:      w.Slot,
			Role:      roleName(w.Role),
			PID:       w.record.PID(),
			Running:   w.record.Running(),
			HasLock:   w.record.HasLock(),
			Restarted: w.record.Restarted(),
		})
	}
	return out
}

// AdminHandler answers the admin socket's status/reload/stop commands
// against this supervisor.
func (s *Supervisor) AdminHandler() admin.Handler {
	return func(req admin.Request) admin.Response {
		switch req.Cmd {
		case "status":
			return admin.Response{OK: true, Workers: s.Status()}
		case "reload":
			if err := s.DispatchSignal(syscall.SIGHUP); err != nil {
				return admin.Response{OK: false, Message: err.Error()}
			}
			return admin.Response{OK: true, Message: "reload dispatched"}
		case "stop":
			go s.Shutdown(context.Background(), "admin stop request")
			return admin.Response{OK: true, Message: "shutdown started"}
		default:
			return admin.Response{OK: false, Message: "admin: unknown command " + req.Cmd}
		}
	}
}

// Shutdown announces intent, signals every worker, and waits for each
// slot's monitor loop to confirm exit, aggregating any that time out.
func (s *Supervisor) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	s.j.Write(&EventSupervisorStopping{Reason: reason})
	if s.cancel != nil {
		s.cancel()
	}

	var result *multierror.Error
	for _, w := range workers {
		if err := w.stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.region != nil {
		if err := s.region.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
