package shm

import "testing"

func TestLockRegionAcquireRelease(t *testing.T) {
	region, err := Create(3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer region.Close()

	if !region.Lock.TryAcquire(111) {
		t.Fatal("expected first TryAcquire to succeed")
	}
	if region.Lock.TryAcquire(222) {
		t.Fatal("expected second TryAcquire to fail while held")
	}
	if got := region.Lock.Current(); got != 111 {
		t.Fatalf("current = %d, want 111", got)
	}

	if err := region.Lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if region.Lock.Held() {
		t.Fatal("expected lock to be free after release")
	}
	if region.Lock.Current() != 0 {
		t.Fatal("expected current pid to be cleared after release")
	}

	// A second release on an already-free lock is a soft error, not a panic.
	if err := region.Lock.Release(); err == nil {
		t.Fatal("expected release-when-free to report an error")
	}
}

func TestLockRegionForceRelease(t *testing.T) {
	region, err := Create(3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer region.Close()

	region.Lock.TryAcquire(555)
	region.Lock.ForceRelease()

	if region.Lock.Held() {
		t.Fatal("expected force release to clear the lock word")
	}
	if !region.Lock.TryAcquire(666) {
		t.Fatal("expected lock to be acquirable after a forced release")
	}
}

func TestRecordTableStableIDAcrossRestarts(t *testing.T) {
	region, err := Create(5) // 2 reserved + 3 network workers
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer region.Close()

	slot := region.Records.Slot(NetworkSlot(2))
	slot.Init(2, 1)
	slot.SetPID(1000)
	slot.SetRunning(true)

	// Simulate a crash and restart of the same slot: id and cpu must be
	// unchanged (spec.md §8), pid turns over, restarted flips true.
	slot.SetRunning(false)
	slot.SetPID(0)
	slot.SetRestarted(true)
	slot.Init(slot.ID(), slot.CPU()) // supervisor re-initializes the slot
	slot.SetPID(2000)
	slot.SetRunning(true)

	if slot.ID() != 2 {
		t.Fatalf("id = %d, want 2", slot.ID())
	}
	if slot.CPU() != 1 {
		t.Fatalf("cpu = %d, want 1", slot.CPU())
	}
	if slot.PID() != 2000 {
		t.Fatalf("pid = %d, want 2000", slot.PID())
	}
	if !slot.Restarted() {
		t.Fatal("expected restarted flag to remain set until the new process clears it")
	}
}

func TestRecordTableReservedSiblingRoles(t *testing.T) {
	region, err := Create(4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer region.Close()

	region.Records.KeyManager().Init(RoleKeyManager, 0)
	region.Records.ACME().Init(RoleACME, 0)

	if !region.Records.KeyManager().IsSibling() {
		t.Fatal("expected key-manager slot to report IsSibling")
	}
	if !region.Records.ACME().IsSibling() {
		t.Fatal("expected ACME slot to report IsSibling")
	}

	net := region.Records.Slot(NetworkSlot(1))
	net.Init(1, 0)
	if net.IsSibling() {
		t.Fatal("expected a network worker slot not to report IsSibling")
	}
}

func TestRecordLastHandlerRoundTrip(t *testing.T) {
	region, err := Create(3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer region.Close()

	slot := region.Records.Slot(NetworkSlot(1))
	slot.Init(1, 0)

	if got := slot.LastHandler(); got != "" {
		t.Fatalf("LastHandler before any SetLastHandler = %q, want empty", got)
	}

	slot.SetLastHandler("CERTIFICATE")
	if got := slot.LastHandler(); got != "CERTIFICATE" {
		t.Fatalf("LastHandler = %q, want %q", got, "CERTIFICATE")
	}

	slot.SetLastHandler("ACCEPT_AVAILABLE")
	if got := slot.LastHandler(); got != "ACCEPT_AVAILABLE" {
		t.Fatalf("LastHandler = %q, want %q", got, "ACCEPT_AVAILABLE")
	}
}

func TestRecordLastHandlerTruncatesOversizedName(t *testing.T) {
	region, err := Create(3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer region.Close()

	slot := region.Records.Slot(NetworkSlot(1))
	slot.Init(1, 0)

	long := "ACME_CHALLENGE_CLEAR_CERT_WITH_SOME_EXTRA_SUFFIX_TACKED_ON"
	slot.SetLastHandler(long)

	if got := slot.LastHandler(); got != long[:lastHandlerLen] {
		t.Fatalf("LastHandler = %q, want truncated to %d bytes", got, lastHandlerLen)
	}
}
