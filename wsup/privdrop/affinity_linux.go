//go:build linux

package privdrop

import "golang.org/x/sys/unix"

// setAffinity pins the calling process to a single cpu, the Linux path for
// spec.md's worker_set_affinity.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
