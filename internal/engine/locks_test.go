package engine

import (
	"sync"
	"testing"
)

func TestSettlementMarkerExclusive(t *testing.T) {
	l := newEscrowLocks()
	if !l.beginSettlement("esc-1") {
		t.Fatalf("first settlement should start")
	}
	if l.beginSettlement("esc-1") {
		t.Fatalf("second settlement on the same escrow should be refused")
	}
	if !l.beginSettlement("esc-2") {
		t.Fatalf("a different escrow should settle in parallel")
	}
	if !l.settling("esc-1") {
		t.Fatalf("marker should be visible")
	}
	l.endSettlement("esc-1")
	l.endSettlement("esc-2")
	if !l.beginSettlement("esc-1") {
		t.Fatalf("settlement should start again after the previous one ended")
	}
	l.endSettlement("esc-1")
}

func TestPerEscrowSerialization(t *testing.T) {
	l := newEscrowLocks()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("esc-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("lost updates under the escrow lock: %d", counter)
	}
	// All holders released: the entry must not leak.
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.m) != 0 {
		t.Fatalf("lock table should be empty, has %d entries", len(l.m))
	}
}
