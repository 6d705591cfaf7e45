package exec

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// sleepProcess is a Process double that idles for a duration instead of
// running a real child, used by the worker-pool's lifecycle tests so a
// crash or a clean exit can be driven deterministically.
type sleepProcess struct {
	once  sync.Once
	stop  chan struct{}
	timer *time.Timer
	delay time.Duration

	pid  int
	exit int32
}

// NewSleepProcess creates a process that exits cleanly after dura unless
// signaled first. If delay is nonzero, a caught signal (SIGINT/SIGTERM) is
// honored only after delay has elapsed, modeling a worker that is slow to
// drain before an orderly shutdown completes.
func NewSleepProcess(dura, delay time.Duration, pid int) Process {
	return &sleepProcess{
		stop:  make(chan struct{}),
		timer: time.NewTimer(dura),
		delay: delay,
		pid:   pid,
		exit:  -2,
	}
}

func (mock *sleepProcess) PID() int { return mock.pid }

func (mock *sleepProcess) Signal(sig os.Signal) error {
	var status int32

	switch sig {
	case os.Interrupt, syscall.SIGTERM:
		status = 0
	case os.Kill:
		status = -1
	default:
		return errors.New("unknown signal")
	}

	go func() {
		if mock.delay > 0 && sig != os.Kill {
			select {
			case <-time.After(mock.delay):
			case <-mock.stop:
				return
			}
		}

		if !atomic.CompareAndSwapInt32(&mock.exit, -2, status) {
			return
		}

		close(mock.stop)
		mock.timer.Stop()
	}()

	return nil
}

func (mock *sleepProcess) Kill() error {
	return mock.Signal(os.Kill)
}

func (mock *sleepProcess) Wait() ExitStatus {
	mock.once.Do(func() {
		select {
		case <-mock.stop:
		case <-mock.timer.C:
			atomic.StoreInt32(&mock.exit, 0)
		}
	})

	return ExitStatus{
		PID:  mock.pid,
		Code: int(atomic.LoadInt32(&mock.exit)),
	}
}
