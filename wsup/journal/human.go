package journal

import (
	"git.unix.lgbt/wrk/wsup/wsup"
	"github.com/sirupsen/logrus"
)

// HumanWriter renders events as logrus lines for operators tailing the
// console. It is cosmetic only — the flock'd file is the one journal the
// supervisor ever reads back from.
type HumanWriter struct {
	log *logrus.Logger
}

var _ wsup.Journaler = HumanWriter{}

// NewHumanWriter builds a console sink over log, falling back to
// logrus.StandardLogger when log is nil.
func NewHumanWriter(log *logrus.Logger) HumanWriter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return HumanWriter{log: log}
}

// Write logs ev at a level derived from its kind.
func (h HumanWriter) Write(ev wsup.Event) error {
	entry := h.log.WithField("event", ev.Type())

	switch e := ev.(type) {
	case *wsup.EventWarning:
		entry.WithField("component", e.Component).Warn(e.Error)
	case *wsup.EventWorkerSpawned:
		entry.WithFields(logrus.Fields{
			"slot": e.Slot, "id": e.ID, "cpu": e.CPU, "pid": e.PID, "restarted": e.Restarted,
		}).Info("worker spawned")
	case *wsup.EventWorkerExited:
		entry.WithFields(logrus.Fields{
			"slot": e.Slot, "pid": e.PID, "exit_code": e.ExitCode,
		}).Info("worker exited")
	case *wsup.EventWorkerCrashed:
		entry.WithFields(logrus.Fields{
			"slot": e.Slot, "pid": e.PID, "last_handler": e.LastHandler, "sandbox_kill": e.SandboxKill,
		}).Error("worker crashed")
	case *wsup.EventWorkerSpawnError:
		entry.WithFields(logrus.Fields{
			"slot": e.Slot, "reason": e.Reason,
		}).Error("worker spawn failed")
	case *wsup.EventAcceptLockForced:
		entry.WithField("dead_pid", e.DeadPID).Warn("accept lock forced open")
	case *wsup.EventAcceptLockReleased:
		entry.WithFields(logrus.Fields{
			"slot": e.Slot, "reason": e.Reason,
		}).Debug("accept lock released")
	case *wsup.EventKeymgrMessageDropped:
		entry.WithFields(logrus.Fields{
			"kind": e.Kind, "reason": e.Reason,
		}).Warn("keymgr message dropped")
	case *wsup.EventSupervisorStopping:
		entry.WithField("reason", e.Reason).Info("supervisor stopping")
	default:
		entry.Info("event")
	}

	return nil
}
