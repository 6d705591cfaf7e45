// Package privdrop implements the worker's privilege partition sequence:
// resolve the target user, chroot, raise the file descriptor limit to cover
// what was inherited, drop to the unprivileged uid/gid, then install the
// platform sandbox. The order is load-bearing (spec.md §4.E) and is not
// reorderable by a caller: Drop runs every step itself.
package privdrop

import (
	"os"
	"os/user"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Options configures one privilege-drop sequence.
type Options struct {
	RunAsUser string
	RootPath  string

	SkipRunAs  bool
	SkipChroot bool

	// RlimitNoFiles is the base NOFILE target before accounting for
	// inherited descriptors (spec.md §6 worker_rlimit_nofiles, default 768).
	RlimitNoFiles uint64

	// CPU pins the process to a cpu index (spec.md's worker_set_affinity);
	// negative disables pinning.
	CPU int
}

// Drop performs the full sequence described in spec.md §4.E. The user
// lookup, a missing RootPath, the chroot/chdir step and the final
// setgroups/setresgid/setresuid switch are fatal to the caller (step 5 is
// explicitly fatal per spec.md §7); a failed getrlimit or setrlimit, cpu
// pinning or sandbox install comes back in the soft warnings for the
// caller to log and does not abort the sequence.
//
// warnings holds non-fatal issues (e.g. a refused setrlimit) the caller
// should log; err is non-nil only for the fatal steps.
func Drop(opt Options) (warnings []error, err error) {
	var pw *user.User

	if !opt.SkipRunAs {
		if opt.RunAsUser == "" {
			return nil, errors.New("privdrop: no runas user given and skip-runas not set")
		}
		pw, err = user.Lookup(opt.RunAsUser)
		if err != nil {
			return nil, errors.Wrapf(err, "privdrop: lookup user %q", opt.RunAsUser)
		}
	}

	if opt.RootPath == "" {
		return nil, errors.New("privdrop: no root directory given")
	}

	if !opt.SkipChroot {
		if err := unix.Chroot(opt.RootPath); err != nil {
			return nil, errors.Wrapf(err, "privdrop: chroot(%q)", opt.RootPath)
		}
		if err := os.Chdir("/"); err != nil {
			return nil, errors.Wrap(err, "privdrop: chdir(\"/\")")
		}
	} else {
		if err := os.Chdir(opt.RootPath); err != nil {
			return nil, errors.Wrapf(err, "privdrop: chdir(%q)", opt.RootPath)
		}
	}

	target := opt.RlimitNoFiles
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &cur); err != nil {
		warnings = append(warnings, errors.Wrap(err, "privdrop: getrlimit(RLIMIT_NOFILE)"))
	} else {
		// Every descriptor already open below the current soft limit was
		// inherited across the re-exec; raise the target so none of them
		// get closed out from under the worker by the tightened limit.
		for fd := uint64(0); fd < cur.Cur; fd++ {
			if fdOpen(fd) {
				target++
			}
		}
	}

	rl := unix.Rlimit{Cur: target, Max: target}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		warnings = append(warnings, errors.Wrapf(err, "privdrop: setrlimit(RLIMIT_NOFILE, %d)", target))
	}

	if opt.CPU >= 0 {
		if err := setAffinity(opt.CPU); err != nil {
			warnings = append(warnings, errors.Wrap(err, "privdrop: set cpu affinity"))
		}
	}

	if !opt.SkipRunAs {
		gid, err := strconv.Atoi(pw.Gid)
		if err != nil {
			return warnings, errors.Wrap(err, "privdrop: parse gid")
		}
		uid, err := strconv.Atoi(pw.Uid)
		if err != nil {
			return warnings, errors.Wrap(err, "privdrop: parse uid")
		}

		if err := unix.Setgroups([]int{gid}); err != nil {
			return warnings, errors.Wrap(err, "privdrop: setgroups")
		}
		if err := unix.Setresgid(gid, gid, gid); err != nil {
			return warnings, errors.Wrap(err, "privdrop: setresgid")
		}
		if err := unix.Setresuid(uid, uid, uid); err != nil {
			return warnings, errors.Wrap(err, "privdrop: setresuid")
		}
	}

	if err := installSandbox(); err != nil {
		warnings = append(warnings, errors.Wrap(err, "privdrop: install sandbox"))
	}

	return warnings, nil
}

func fdOpen(fd uint64) bool {
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_GETFD, 0)
	return errno == 0
}
