// Package timeline implements the append-only committed event log of a
// process, with three retention policies and cursor-based batch reads.
package timeline

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/najoast/filament/abi"
)

// Record is one committed event. Header.ID is the tick: unique and
// strictly monotonic within the timeline, never renumbered by pruning.
type Record struct {
	Header  abi.EventHeader
	Topic   string
	Payload []byte
}

// RetentionPolicy is the single dynamic-dispatch seam of the timeline:
// what Strict forbids, Prunable and Mutable allow in their own ways.
type RetentionPolicy interface {
	// Name identifies the policy in manifests and logs.
	Name() string

	// Prune makes every event with tick <= upTo unreadable.
	Prune(tl *Timeline, upTo uint64) error

	// Redact tombstones one event's payload in place.
	Redact(tl *Timeline, tick uint64) error
}

// Strict rejects any modification.
type Strict struct{}

// Name implements RetentionPolicy.
func (Strict) Name() string { return "strict" }

// Prune implements RetentionPolicy.
func (Strict) Prune(*Timeline, uint64) error {
	return fmt.Errorf("timeline: %w: strict policy forbids pruning", abi.ErrPerm)
}

// Redact implements RetentionPolicy.
func (Strict) Redact(*Timeline, uint64) error {
	return fmt.Errorf("timeline: %w: strict policy forbids redaction", abi.ErrPerm)
}

// Prunable allows a monotonically advancing low-watermark. Indices are
// never compacted; events below the watermark merely become unreadable.
type Prunable struct{}

// Name implements RetentionPolicy.
func (Prunable) Name() string { return "prunable" }

// Prune implements RetentionPolicy.
func (Prunable) Prune(tl *Timeline, upTo uint64) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if upTo > tl.watermark {
		tl.watermark = upTo
	}
	return nil
}

// Redact implements RetentionPolicy.
func (Prunable) Redact(*Timeline, uint64) error {
	return fmt.Errorf("timeline: %w: prunable policy forbids redaction", abi.ErrPerm)
}

// Mutable supports tombstoning: payload bytes zeroed, header, id and
// trace preserved.
type Mutable struct{}

// Name implements RetentionPolicy.
func (Mutable) Name() string { return "mutable" }

// Prune implements RetentionPolicy.
func (Mutable) Prune(*Timeline, uint64) error {
	return fmt.Errorf("timeline: %w: mutable policy forbids pruning", abi.ErrPerm)
}

// Redact implements RetentionPolicy.
func (Mutable) Redact(tl *Timeline, tick uint64) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for i := range tl.events {
		if tl.events[i].Header.ID == tick {
			for j := range tl.events[i].Payload {
				tl.events[i].Payload[j] = 0
			}
			tl.events[i].Header.Flags |= abi.EventFlagRedacted
			return nil
		}
	}
	return fmt.Errorf("timeline: tick %d: %w", tick, abi.ErrNotFound)
}

// PolicyByName resolves a manifest policy string.
func PolicyByName(name string) (RetentionPolicy, error) {
	switch name {
	case "", "strict":
		return Strict{}, nil
	case "prunable":
		return Prunable{}, nil
	case "mutable":
		return Mutable{}, nil
	default:
		return nil, fmt.Errorf("timeline: %w: unknown policy %q", abi.ErrInvalid, name)
	}
}

// Timeline is the committed log of one process. Appends are serialized
// by the owning process; reads may come from cursors on other
// goroutines, so access locks internally.
type Timeline struct {
	mu        sync.RWMutex
	events    []Record
	byTopic   map[string][]int
	nextTick  uint64
	watermark uint64 // ticks <= watermark are pruned
	policy    RetentionPolicy
}

// New creates an empty timeline under the given policy.
func New(policy RetentionPolicy) *Timeline {
	return &Timeline{
		byTopic: make(map[string][]int),
		policy:  policy,
	}
}

// Policy returns the retention policy.
func (tl *Timeline) Policy() RetentionPolicy { return tl.policy }

// Append commits one event, assigning the next tick. The record's
// Header.ID, TopicLen, DataLen and TotalLen are set here; everything
// else is taken from the caller.
func (tl *Timeline) Append(rec Record) (uint64, error) {
	if err := abi.ValidateURI(rec.Topic); err != nil {
		return 0, err
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.nextTick++
	rec.Header.ID = tl.nextTick
	rec.Header.TopicLen = uint32(len(rec.Topic))
	rec.Header.DataLen = uint32(len(rec.Payload))
	rec.Header.TotalLen = abi.EventTotalLen(rec.Header.TopicLen, rec.Header.DataLen)
	tl.events = append(tl.events, rec)
	tl.byTopic[rec.Topic] = append(tl.byTopic[rec.Topic], len(tl.events)-1)
	return tl.nextTick, nil
}

// Prune delegates to the policy.
func (tl *Timeline) Prune(upTo uint64) error {
	return tl.policy.Prune(tl, upTo)
}

// Redact delegates to the policy.
func (tl *Timeline) Redact(tick uint64) error {
	return tl.policy.Redact(tl, tick)
}

// LastTick returns the most recently assigned tick, 0 when empty.
func (tl *Timeline) LastTick() uint64 {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return tl.nextTick
}

// Watermark returns the prune watermark.
func (tl *Timeline) Watermark() uint64 {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return tl.watermark
}

// Len returns the number of committed events, pruned ones included.
func (tl *Timeline) Len() int {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return len(tl.events)
}

// TopicTicks returns the ticks of events committed on an exact topic,
// pruned ones included: indices are never compacted.
func (tl *Timeline) TopicTicks(topic string) []uint64 {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	idx := tl.byTopic[topic]
	ticks := make([]uint64, 0, len(idx))
	for _, i := range idx {
		ticks = append(ticks, tl.events[i].Header.ID)
	}
	return ticks
}

// Get returns the readable record at tick.
func (tl *Timeline) Get(tick uint64) (Record, error) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	if tick <= tl.watermark {
		return Record{}, fmt.Errorf("timeline: tick %d: %w: below prune watermark", tick, abi.ErrNotFound)
	}
	for _, rec := range tl.events {
		if rec.Header.ID == tick {
			return rec, nil
		}
	}
	return Record{}, fmt.Errorf("timeline: tick %d: %w", tick, abi.ErrNotFound)
}

// Fingerprint hashes the full committed state. Discarded weaves must
// leave the fingerprint untouched.
func (tl *Timeline) Fingerprint() [32]byte {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	h := sha256.New()
	var hdr [abi.SizeEventHeader]byte
	for _, rec := range tl.events {
		rec.Header.EncodeTo(hdr[:])
		h.Write(hdr[:])
		h.Write([]byte(rec.Topic))
		h.Write(rec.Payload)
	}
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], tl.watermark)
	h.Write(scratch[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
