// Package wsup is the worker supervision and accept-arbitration core of a
// multi-process network server: a supervisor forks (via self re-exec) a
// pool of network workers plus an optional key-manager and ACME sibling,
// each running its own event loop, coordinating accept eligibility through
// a shared-memory lock instead of a userspace scheduler.
//
// Mechanism of Operation
//
// Accept Lock
//
// All network workers share one lock word in a memory region mapped by
// every process (see package shm). At most one worker holds it at a time;
// holding it is what makes a worker eligible to arm its listener for new
// connections. A worker releases the lock once it reaches a configured
// connection or in-flight-request ceiling and broadcasts ACCEPT_AVAILABLE
// so a peer can pick it up on its next round.
//
// Worker Slots
//
// Slots are allocated once at startup: two reserved (key-manager, ACME) plus
// one per configured network worker. A slot's id and cpu index survive any
// number of process restarts within that slot; only the pid turns over.
//
// Message Bus
//
// Every worker's only cross-process channel besides the shared lock region
// is a control socketpair to the supervisor. The supervisor relays messages
// between siblings by destination id, broadcast, or to itself (see package
// bus). Certificate, CRL, entropy and ACME-challenge payloads flow this way
// between the key-manager/ACME siblings and the network workers.
package wsup
