package parallel

import (
	"sync"
	"sync/atomic"
)

// barrier separates the two build phases. Workers arrive once phase 1 is
// over, successful or not; the coordinator waits for all of them, plans and
// pre-extends, then releases everyone into phase 2 or aborts the build.
type barrier struct {
	launched    int32
	phase1Done  atomic.Int32
	phase2Ready atomic.Bool
	aborted     atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

func newBarrier(launched int) *barrier {
	b := &barrier{launched: int32(launched)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// arrive records one worker's end of phase 1.
func (b *barrier) arrive() {
	b.mu.Lock()
	b.phase1Done.Add(1)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// waitPhase1 blocks until every launched worker has arrived.
func (b *barrier) waitPhase1() {
	b.mu.Lock()
	for b.phase1Done.Load() < b.launched {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// release lets the workers into phase 2, or tells them to stop.
func (b *barrier) release(abort bool) {
	b.mu.Lock()
	b.aborted.Store(abort)
	b.phase2Ready.Store(true)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// waitPhase2 blocks until release and reports whether phase 2 should run.
func (b *barrier) waitPhase2() bool {
	b.mu.Lock()
	for !b.phase2Ready.Load() {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return !b.aborted.Load()
}
