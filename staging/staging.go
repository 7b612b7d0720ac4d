// Package staging implements the per-process scratch buffer holding
// tentative events during one weave. Writes accumulate here until commit
// moves static-topic outputs onto the timeline; on discard the whole
// buffer is dropped.
package staging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/najoast/filament/abi"
)

// Entry is one tentative event parked in the staging area.
type Entry struct {
	Topic      string
	Payload    []byte
	Encoding   uint32
	SchemaHash uint64
	Trace      abi.TraceContext

	// Inbound marks host-originated events merged at ingress. They are
	// readable by modules but never re-committed to the timeline.
	Inbound bool

	// WakeFlags carried by inbound entries.
	WakeFlags uint64
}

// size is the billed footprint of the entry.
func (e *Entry) size() int {
	return int(abi.EventTotalLen(uint32(len(e.Topic)), uint32(len(e.Payload))))
}

// Area is the staging buffer of one process. Weave execution is serial
// per process, but ingress deposits may race the scheduler, so the area
// locks internally.
type Area struct {
	mu       sync.Mutex
	capacity int
	used     int
	entries  []Entry
	readMark int // highest entry index any module has consumed this weave
}

// NewArea creates a staging area. Capacities below the contract minimum
// are raised to abi.MinBusBytes.
func NewArea(capacity int) *Area {
	if capacity < abi.MinBusBytes {
		capacity = abi.MinBusBytes
	}
	return &Area{capacity: capacity, readMark: -1}
}

// Reset clears the area at weave start. Entries are dropped and the
// backing storage reused.
func (a *Area) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = a.entries[:0]
	a.used = 0
	a.readMark = -1
}

// Write stages an outbound event on a static topic.
func (a *Area) Write(e Entry) error {
	if err := abi.ValidateURI(e.Topic); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendLocked(e)
}

// Deposit merges a host-originated inbound event at ingress.
func (a *Area) Deposit(e Entry) error {
	e.Inbound = true
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appendLocked(e)
}

func (a *Area) appendLocked(e Entry) error {
	if a.used+e.size() > a.capacity {
		return fmt.Errorf("staging: %w: %d bytes staged, %d byte capacity",
			abi.ErrOOM, a.used, a.capacity)
	}
	a.used += e.size()
	a.entries = append(a.entries, e)
	return nil
}

// Read returns staged entries whose topic matches, starting at entry
// index start, along with the cursor to pass to the next call. A topic
// ending in "/*" matches the prefix before the star.
func (a *Area) Read(topic string, start int) ([]Entry, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if start < 0 {
		start = 0
	}
	var out []Entry
	for i := start; i < len(a.entries); i++ {
		if topicMatches(topic, a.entries[i].Topic) {
			out = append(out, a.entries[i])
		}
		if i > a.readMark {
			a.readMark = i
		}
	}
	return out, len(a.entries)
}

func topicMatches(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return strings.HasPrefix(topic, prefix+"/")
	}
	return pattern == topic
}

// Outputs returns the emitted (non-inbound) entries in write order for
// the commit step.
func (a *Area) Outputs() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Entry
	for _, e := range a.entries {
		if !e.Inbound {
			out = append(out, e)
		}
	}
	return out
}

// WakeFlags folds the wake bits of all inbound entries.
func (a *Area) WakeFlags() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var flags uint64
	for _, e := range a.entries {
		if e.Inbound {
			flags |= e.WakeFlags
		}
	}
	return flags
}

// HasUnreadInputs reports whether inbound entries exist past the read
// mark. The kernel uses it to upgrade PARK to YIELD.
func (a *Area) HasUnreadInputs() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := a.readMark + 1; i < len(a.entries); i++ {
		if a.entries[i].Inbound {
			return true
		}
	}
	return false
}

// Used returns the staged byte count.
func (a *Area) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Len returns the number of staged entries.
func (a *Area) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
