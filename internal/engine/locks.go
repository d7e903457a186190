package engine

import "sync"

// escrowLocks serializes mutation per escrow id while letting different
// escrows proceed in parallel. The settling flag marks an in-flight
// settlement so cancel can be refused without holding the escrow lock
// across ledger round-trips.
type escrowLocks struct {
	mu sync.Mutex
	m  map[string]*escrowLock
}

type escrowLock struct {
	mu       sync.Mutex
	refs     int
	settling bool
}

func newEscrowLocks() *escrowLocks {
	return &escrowLocks{m: make(map[string]*escrowLock)}
}

func (l *escrowLocks) get(id string) *escrowLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[id]
	if !ok {
		e = &escrowLock{}
		l.m[id] = e
	}
	e.refs++
	return e
}

func (l *escrowLocks) put(id string, e *escrowLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 && !e.settling {
		delete(l.m, id)
	}
}

// lock acquires the per-escrow mutex and returns its release func.
func (l *escrowLocks) lock(id string) func() {
	e := l.get(id)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.put(id, e)
	}
}

// beginSettlement marks the escrow as having a settlement in flight.
// Returns false when one is already running.
func (l *escrowLocks) beginSettlement(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[id]
	if !ok {
		e = &escrowLock{}
		l.m[id] = e
	}
	if e.settling {
		return false
	}
	e.settling = true
	return true
}

func (l *escrowLocks) endSettlement(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[id]
	if !ok {
		return
	}
	e.settling = false
	if e.refs == 0 {
		delete(l.m, id)
	}
}

func (l *escrowLocks) settling(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[id]
	return ok && e.settling
}
