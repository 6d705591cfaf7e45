//go:build linux

package privdrop

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// installSandbox installs the minimal sandbox floor available without a
// full seccomp-bpf filter compiler: PR_SET_NO_NEW_PRIVS, which permanently
// forbids this process and its descendants from gaining privileges through
// execve. A complete syscall allow-list (the original's kore_platform_sandbox)
// is out of this core's scope — spec.md names "the per-platform event
// notification" and the HTTP/TLS pipeline as external collaborators, and the
// syscalls a full filter would need to allow are theirs to enumerate, not
// the supervisor's.
func installSandbox() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return errors.Wrap(err, "prctl(PR_SET_NO_NEW_PRIVS)")
	}
	return nil
}
