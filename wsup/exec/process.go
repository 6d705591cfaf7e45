// Package exec wraps package os' Process so that a worker slot's child can be
// started, signaled and waited on through a narrow interface, making the
// supervisor's spawn/reap logic testable without forking real processes.
package exec

import (
	"os"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Process describes a spawned worker (or sibling) process.
type Process interface {
	PID() int
	Signal(os.Signal) error
	Kill() error
	Wait() ExitStatus
}

// ExitStatus is the outcome of a process' exit, as observed by Wait.
type ExitStatus struct {
	PID   int
	Code  int // -1 if the process was interrupted or killed
	Error error
}

// Clean reports whether the process exited with status 0, the condition
// under which the supervisor leaves a slot empty instead of restarting it.
func (s ExitStatus) Clean() bool { return s.Error == nil && s.Code == 0 }

type process struct {
	*os.Process
}

var _ Process = process{}

// FindProcess wraps an already-running pid, used when a slot is being taken
// over rather than freshly spawned.
func FindProcess(pid int) (Process, error) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	return process{p}, nil
}

// StartWorkerArgs describes how to re-exec the supervisor's own binary into
// a worker (or key-manager/ACME sibling) in a fresh process.
type StartWorkerArgs struct {
	// Argv is the full argument vector, argv[0] is the binary path.
	Argv []string
	// ExtraFiles are inherited file descriptors beyond stdin/stdout/stderr:
	// by convention fd 3 is the control socketpair end, fd 4 is the shared
	// memory region's memfd (passed to every role, siblings included).
	ExtraFiles []*os.File
	Env        []string
}

// StartWorker re-execs the supervisor binary as a worker/sibling process.
//
// Go has no fork(2): the child does not inherit the parent's address space,
// only the file descriptors named in ExtraFiles and the argument vector.
// Every subsystem is therefore re-initialized from scratch in the child,
// which is the Go-native equivalent of the post-fork re-initialization the
// spec calls for.
func StartWorker(args StartWorkerArgs) (Process, error) {
	// Locking this goroutine to its OS thread keeps Pdeathsig correct: on
	// Linux, Pdeathsig is delivered based on the thread that called fork,
	// and an unlocked goroutine could be rescheduled mid-spawn.
	// See https://github.com/golang/go/issues/27505.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	files = append(files, args.ExtraFiles...)

	p, err := os.StartProcess(args.Argv[0], args.Argv, &os.ProcAttr{
		Env:   args.Env,
		Files: files,
		Sys: &syscall.SysProcAttr{
			// The child dies with the supervisor; orphaned workers left
			// holding the accept lock would never release it.
			Pdeathsig: syscall.SIGTERM,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start worker")
	}

	return process{p}, nil
}

// MarkSubreaper sets the calling process (a worker or sibling, after
// StartWorker returns in the child) as a Linux child subreaper, so that any
// sub-process it spawns (scripted helpers invoked from request handlers)
// is reparented to it instead of disowning itself on exit. Must be called
// early in the child's own re-initialization, before it spawns anything.
func MarkSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return errors.Wrap(err, "set subreaper")
	}
	return nil
}

func (proc process) PID() int { return proc.Pid }

// Wait blocks for the process to exit. It must be called from the same
// goroutine that observed the process as running, matching os.Process'
// own restriction.
func (proc process) Wait() ExitStatus {
	s, err := proc.Process.Wait()
	if err != nil {
		return ExitStatus{PID: proc.Pid, Code: -1, Error: err}
	}

	code := s.ExitCode()
	if ws, ok := s.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		code = -1
	}

	return ExitStatus{PID: proc.Pid, Code: code}
}
