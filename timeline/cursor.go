package timeline

import (
	"fmt"
	"strings"

	"github.com/najoast/filament/abi"
)

// Bound selects which field cursor bounds apply to.
type Bound uint32

const (
	// BoundTick bounds by the tick (Header.ID).
	BoundTick Bound = iota

	// BoundVirtTime bounds by the virtual time of emission.
	BoundVirtTime
)

// CursorOptions configure Open.
type CursorOptions struct {
	// TopicPrefix filters events; empty matches everything.
	TopicPrefix string

	// Start is inclusive, End exclusive, over the field selected by By.
	// End == 0 means unbounded.
	Start, End uint64
	By         Bound

	// Descending walks newest-first.
	Descending bool
}

// Cursor streams committed events in fixed batches. A cursor whose
// position falls below the prune watermark is invalidated: every further
// Next returns ERR_NOT_FOUND. That code is stable and documented.
type Cursor struct {
	tl     *Timeline
	opts   CursorOptions
	pos    int
	closed bool
}

// Open creates a cursor over the timeline.
func (tl *Timeline) Open(opts CursorOptions) *Cursor {
	c := &Cursor{tl: tl, opts: opts}
	if opts.Descending {
		tl.mu.RLock()
		c.pos = len(tl.events) - 1
		tl.mu.RUnlock()
	}
	return c
}

// Close invalidates the cursor.
func (c *Cursor) Close() {
	c.closed = true
}

func (c *Cursor) matches(rec *Record) bool {
	if c.opts.TopicPrefix != "" && !strings.HasPrefix(rec.Topic, c.opts.TopicPrefix) {
		return false
	}
	field := rec.Header.ID
	if c.opts.By == BoundVirtTime {
		field = rec.Header.VirtTime
	}
	if field < c.opts.Start {
		return false
	}
	if c.opts.End != 0 && field >= c.opts.End {
		return false
	}
	return true
}

// Next copies whole events into dst and reports bytes written and event
// count. Events are never split: the batch holds what fits. A dst too
// small for even one event returns ERR_OOM. EOF is a zero count with a
// nil error. Payload pointers are buffer-relative offsets, so events
// copied whole remain dereferenceable in dst — the relocation contract.
func (c *Cursor) Next(dst []byte) (int, int, error) {
	if c.closed {
		return 0, 0, fmt.Errorf("timeline: cursor: %w: closed", abi.ErrNotFound)
	}
	c.tl.mu.RLock()
	defer c.tl.mu.RUnlock()

	written, count := 0, 0
	for {
		rec, ok := c.peekLocked()
		if !ok {
			break
		}
		if rec.Header.ID <= c.tl.watermark {
			// The segment under the cursor was pruned away.
			c.closed = true
			if count > 0 {
				break
			}
			return 0, 0, fmt.Errorf("timeline: cursor: %w: segment pruned", abi.ErrNotFound)
		}
		need := int(rec.Header.TotalLen)
		if written+need > len(dst) {
			if count == 0 {
				return 0, 0, fmt.Errorf("timeline: cursor: %w: %d byte buffer below event size %d",
					abi.ErrOOM, len(dst), need)
			}
			break
		}
		encodeRecord(rec, dst[written:written+need])
		written += need
		count++
		c.advanceLocked()
	}
	return written, count, nil
}

// peekLocked returns the next matching record without consuming it.
func (c *Cursor) peekLocked() (*Record, bool) {
	if c.opts.Descending {
		for c.pos >= 0 {
			rec := &c.tl.events[c.pos]
			if c.matches(rec) {
				return rec, true
			}
			c.pos--
		}
		return nil, false
	}
	for c.pos < len(c.tl.events) {
		rec := &c.tl.events[c.pos]
		if c.matches(rec) {
			return rec, true
		}
		c.pos++
	}
	return nil, false
}

func (c *Cursor) advanceLocked() {
	if c.opts.Descending {
		c.pos--
	} else {
		c.pos++
	}
}

// encodeRecord lays out header, topic, padding and payload per the event
// wire format. dst must hold exactly Header.TotalLen bytes.
func encodeRecord(rec *Record, dst []byte) {
	rec.Header.EncodeTo(dst[:abi.SizeEventHeader])
	off := abi.SizeEventHeader
	copy(dst[off:], rec.Topic)
	off += int(abi.Pad8(rec.Header.TopicLen))
	for i := abi.SizeEventHeader + len(rec.Topic); i < off; i++ {
		dst[i] = 0
	}
	copy(dst[off:], rec.Payload)
	for i := off + len(rec.Payload); i < len(dst); i++ {
		dst[i] = 0
	}
}

// DecodeRecord parses one wire-format event from src, returning the
// record and the bytes consumed. The inverse of cursor batching, used by
// module runtimes and tests.
func DecodeRecord(src []byte) (Record, int, error) {
	hdr, err := abi.DecodeEventHeader(src)
	if err != nil {
		return Record{}, 0, err
	}
	if uint64(len(src)) < uint64(hdr.TotalLen) {
		return Record{}, 0, fmt.Errorf("timeline: %w: truncated event", abi.ErrInvalid)
	}
	topicOff := uint32(abi.SizeEventHeader)
	payloadOff := topicOff + abi.Pad8(hdr.TopicLen)
	rec := Record{
		Header:  hdr,
		Topic:   string(src[topicOff : topicOff+hdr.TopicLen]),
		Payload: append([]byte(nil), src[payloadOff:payloadOff+hdr.DataLen]...),
	}
	return rec, int(hdr.TotalLen), nil
}
