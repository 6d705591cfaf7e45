// Package shm implements the single shared-memory region the supervisor and
// every worker map: a lock region followed by a contiguous array of worker
// records, exactly as laid out in the accept-lock protocol. The region is
// backed by a memfd (golang.org/x/sys/unix), not an in-process emulation, so
// the mapping really is shared across the supervisor and its re-exec'd
// children the way fork()-inherited shared memory would be.
package shm

import (
	"os"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Region is the mapped shared-memory segment: a LockRegion header followed
// by a RecordTable of worker records.
type Region struct {
	mem   []byte
	file  *os.File
	owner bool // true in the process that created the region (the supervisor)

	Lock    *LockRegion
	Records RecordTable
}

// Size returns the total byte length of the mapped region, the number
// spec.md §8 pins to (cpu_count+2) * sizeof(worker_record) + sizeof(lock_region).
func Size(slots int) int64 {
	return int64(lockRegionSize + slots*recordSize)
}

// Create allocates a new shared region sized for slots worker records, zeroes
// it, and maps it read-write in the calling (supervisor) process. The
// returned Region's File() descriptor is meant to be inherited by every
// re-exec'd worker via ExtraFiles.
func Create(slots int) (*Region, error) {
	if slots <= 0 {
		return nil, errors.New("shm: slots must be positive")
	}

	name := "wsup-accept-lock-" + uuid.NewString()

	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, errors.Wrap(err, "shm: memfd_create")
	}
	file := os.NewFile(uintptr(fd), name)

	size := Size(slots)
	if err := unix.Ftruncate(fd, size); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "shm: ftruncate")
	}

	region, err := mapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, err
	}
	region.owner = true

	return region, nil
}

// Attach maps an inherited region fd (passed to a worker through ExtraFiles)
// read-write into the calling process' address space.
func Attach(fd uintptr, slots int) (*Region, error) {
	file := os.NewFile(fd, "wsup-accept-lock")
	return mapFile(file, int(Size(slots)))
}

func mapFile(file *os.File, size int) (*Region, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "shm: mmap")
	}

	r := &Region{mem: mem, file: file}
	r.Lock = (*LockRegion)(unsafe.Pointer(&mem[0]))
	r.Records = RecordTable{base: unsafe.Pointer(&mem[lockRegionSize]), n: (len(mem) - lockRegionSize) / recordSize}
	return r, nil
}

// File returns the underlying memfd, to be listed in an os.ProcAttr's
// ExtraFiles when spawning a worker.
func (r *Region) File() *os.File { return r.file }

// Close unmaps the region in the calling process. It does not remove the
// backing memfd; the memfd is reference-counted by the kernel and vanishes
// once every process holding it (supervisor and all worker slots) has
// exited or closed it, matching spec.md §3's "unlinked only after every
// slot has reached running=false."
func (r *Region) Close() error {
	if err := unix.Munmap(r.mem); err != nil {
		return errors.Wrap(err, "shm: munmap")
	}
	return r.file.Close()
}
