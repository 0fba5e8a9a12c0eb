package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		PhaseUnknown:   "unknown",
		PhasePersisted: "persisted",
		PhaseLive:      "live",
		PhaseStale:     "stale",
		PhaseActive:    "active",
		PhaseInactive:  "inactive",
		PhaseRemoved:   "removed",
		Phase(42):      "Phase(42)",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(p), got, want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Phase{
		{PhaseUnknown, PhasePersisted},
		{PhasePersisted, PhaseLive},
		{PhasePersisted, PhaseStale},
		{PhaseStale, PhaseRemoved},
		{PhaseLive, PhaseActive},
		{PhaseLive, PhaseStale},
		{PhaseActive, PhaseInactive},
		{PhaseInactive, PhaseActive},
		{PhaseInactive, PhaseRemoved},
	}
	for _, tc := range allowed {
		if !CanTransition(tc[0], tc[1]) {
			t.Errorf("%s -> %s should be allowed", tc[0], tc[1])
		}
	}
	denied := [][2]Phase{
		{PhaseStale, PhaseLive},
		{PhaseRemoved, PhaseActive},
		{PhaseUnknown, PhaseActive},
		{PhaseActive, PhasePersisted},
		{PhaseStale, PhasePersisted},
	}
	for _, tc := range denied {
		if CanTransition(tc[0], tc[1]) {
			t.Errorf("%s -> %s should be denied", tc[0], tc[1])
		}
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			if atomic.AddInt32(&inside, 1) != 1 {
				t.Error("two holders of the same key")
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if k.size() != 0 {
		t.Errorf("size = %d after all unlocks, want 0", k.size())
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}
