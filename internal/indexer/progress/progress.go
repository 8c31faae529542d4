// Package progress tracks how far an index build has come. A Tracker is
// updated from the scanning goroutines with atomic counters and read as a
// Snapshot by whoever reports on the build.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is a coarse build stage.
type Phase int32

const (
	PhaseLoading Phase = iota
	PhaseWriting
	PhaseLinking
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseWriting:
		return "writing"
	case PhaseLinking:
		return "linking"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker is safe for concurrent use. A nil *Tracker ignores every update.
type Tracker struct {
	id      string
	started time.Time
	total   atomic.Int64
	done    atomic.Int64
	phase   atomic.Int32

	mu       sync.Mutex
	children []*Tracker
}

func NewTracker(id string) *Tracker {
	return &Tracker{id: id, started: time.Now()}
}

func (t *Tracker) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// SetTotal records the expected number of tuples.
func (t *Tracker) SetTotal(n int64) {
	if t == nil {
		return
	}
	t.total.Store(n)
}

// Add counts n more scanned tuples.
func (t *Tracker) Add(n int64) {
	if t == nil {
		return
	}
	t.done.Add(n)
}

func (t *Tracker) SetPhase(p Phase) {
	if t == nil {
		return
	}
	t.phase.Store(int32(p))
}

// Child returns a tracker for one shard of the build. Its counts are
// included in the parent's snapshot.
func (t *Tracker) Child(id string) *Tracker {
	if t == nil {
		return nil
	}
	c := NewTracker(t.id + "/" + id)
	t.mu.Lock()
	t.children = append(t.children, c)
	t.mu.Unlock()
	return c
}

// Snapshot is a point-in-time view of a build.
type Snapshot struct {
	ID      string
	Phase   Phase
	Done    int64
	Total   int64
	Elapsed time.Duration
}

// Fraction returns the completed share in [0, 1], or 0 when the total is
// unknown.
func (s Snapshot) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	return min(float64(s.Done)/float64(s.Total), 1)
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	s := Snapshot{
		ID:      t.id,
		Phase:   Phase(t.phase.Load()),
		Done:    t.done.Load(),
		Total:   t.total.Load(),
		Elapsed: time.Since(t.started),
	}
	t.mu.Lock()
	children := append([]*Tracker(nil), t.children...)
	t.mu.Unlock()
	for _, c := range children {
		cs := c.Snapshot()
		s.Done += cs.Done
		s.Total += cs.Total
	}
	return s
}
