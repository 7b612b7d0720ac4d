// Package timer implements the one-shot timer wheel over virtual time.
// Virtual time is the injected logical clock: deterministic and fully
// decoupled from the wall clock.
package timer

import (
	"container/heap"
	"sync"
)

// Fire describes one expired timer.
type Fire struct {
	PID    uint64
	Target uint64
	Now    uint64

	// Skew is actual minus target virtual time, delivered with the
	// filament/time/fire event.
	Skew uint64
}

type pending struct {
	pid    uint64
	target uint64
	seq    uint64 // insertion order breaks target ties deterministically
}

type timerHeap []pending

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].target != h[j].target {
		return h[i].target < h[j].target
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(pending)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Wheel holds pending one-shot timers ordered by target virtual time.
type Wheel struct {
	mu   sync.Mutex
	heap timerHeap
	seq  uint64
}

// NewWheel creates an empty wheel.
func NewWheel() *Wheel {
	return &Wheel{}
}

// Schedule registers a one-shot timer for pid at target virtual time.
// Past targets fire on the next advance.
func (w *Wheel) Schedule(pid, target uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	heap.Push(&w.heap, pending{pid: pid, target: target, seq: w.seq})
}

// Advance pops every timer with target <= now, in deterministic order.
func (w *Wheel) Advance(now uint64) []Fire {
	w.mu.Lock()
	defer w.mu.Unlock()
	var fires []Fire
	for len(w.heap) > 0 && w.heap[0].target <= now {
		p := heap.Pop(&w.heap).(pending)
		fires = append(fires, Fire{
			PID:    p.pid,
			Target: p.target,
			Now:    now,
			Skew:   now - p.target,
		})
	}
	return fires
}

// CancelProcess drops every pending timer belonging to pid.
func (w *Wheel) CancelProcess(pid uint64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.heap[:0]
	dropped := 0
	for _, p := range w.heap {
		if p.pid == pid {
			dropped++
			continue
		}
		kept = append(kept, p)
	}
	w.heap = kept
	heap.Init(&w.heap)
	return dropped
}

// Pending returns the number of armed timers.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap)
}
