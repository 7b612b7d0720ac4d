// Package channel implements dynamic typed ring buffers: fixed-capacity
// MPMC event queues keyed by auto-generated URIs in the reserved
// namespace. Writes never block; reads are destructive, oldest first.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/blob"
	"github.com/najoast/filament/value"
)

// Message is one enqueued event: payload bytes plus the blob handles
// riding along. Blob payloads are never copied; only references move.
type Message struct {
	Data  []byte
	Blobs []uint64
}

// Ring is one channel instance. Safe under concurrent producers and
// consumers.
type Ring struct {
	mu      sync.Mutex
	uri     string
	schema  string
	root    value.Tag
	typed   bool
	dir     uint32
	owner   uint64
	msgSize uint32
	cap     uint32

	slots []Message
	head  uint32
	count uint32

	closed  bool
	waiters []chan struct{}

	blobs *blob.Table
	acct  *blob.Account
}

// kernelPID holds in-flight channel references in the blob table.
const kernelPID = 0

// URI returns the channel's generated URI.
func (r *Ring) URI() string { return r.uri }

// SchemaURI returns the declared schema URI. Endpoint matching is
// byte-exact.
func (r *Ring) SchemaURI() string { return r.schema }

// Owner returns the owning process id.
func (r *Ring) Owner() uint64 { return r.owner }

// Budget returns the bytes billed to the owner for this ring.
func (r *Ring) Budget() uint64 { return uint64(r.cap) * uint64(r.msgSize) }

// Capacity returns the slot count.
func (r *Ring) Capacity() uint32 { return r.cap }

// MsgSize returns the slot size in bytes.
func (r *Ring) MsgSize() uint32 { return r.msgSize }

// CheckPayload validates an encoded value payload against the declared
// root type. Untyped rings accept anything.
func (r *Ring) CheckPayload(data []byte) error {
	if !r.typed {
		return nil
	}
	return value.Expect(data, r.root)
}

// Write enqueues a message. A full ring returns ERR_IO immediately;
// oversize payloads return ERR_INVALID. Blob references are taken at
// enqueue so the producer may release its own.
func (r *Ring) Write(msg Message) error {
	if uint32(len(msg.Data)) > r.msgSize {
		return fmt.Errorf("channel %s: %w: %d bytes exceeds slot size %d",
			r.uri, abi.ErrInvalid, len(msg.Data), r.msgSize)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("channel %s: %w", r.uri, abi.ErrNotFound)
	}
	if r.count == r.cap {
		r.mu.Unlock()
		return fmt.Errorf("channel %s: %w: ring full (%d slots)", r.uri, abi.ErrIO, r.cap)
	}

	stored := Message{Data: append([]byte(nil), msg.Data...), Blobs: msg.Blobs}
	r.slots[(r.head+r.count)%r.cap] = stored
	r.count++

	var wake chan struct{}
	if len(r.waiters) > 0 {
		wake = r.waiters[0]
		r.waiters = r.waiters[1:]
	}
	r.mu.Unlock()

	for _, h := range msg.Blobs {
		// In-flight references are parked on the kernel until read.
		_ = r.blobs.AddRef(h, kernelPID, blob.PermRead|blob.PermWrite)
	}
	if wake != nil {
		close(wake)
	}
	return nil
}

// TryRead dequeues the oldest message without blocking. The second
// return is false when the ring is empty. Blob references move from the
// kernel to the reader.
func (r *Ring) TryRead(reader uint64) (Message, bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Message{}, false, fmt.Errorf("channel %s: %w", r.uri, abi.ErrNotFound)
	}
	if r.count == 0 {
		r.mu.Unlock()
		return Message{}, false, nil
	}
	msg := r.slots[r.head]
	r.slots[r.head] = Message{}
	r.head = (r.head + 1) % r.cap
	r.count--
	r.mu.Unlock()

	for _, h := range msg.Blobs {
		_ = r.blobs.AddRef(h, reader, blob.PermRead|blob.PermWrite)
		_ = r.blobs.DropRef(h, kernelPID)
	}
	return msg, true, nil
}

// Unread pushes a message back to the front of the ring, restoring the
// pre-read order. Used when a weave that consumed messages is discarded.
// The blob references move back from the reader to the kernel.
func (r *Ring) Unread(reader uint64, msg Message) {
	r.mu.Lock()
	if r.closed || r.count == r.cap {
		r.mu.Unlock()
		return
	}
	r.head = (r.head + r.cap - 1) % r.cap
	r.slots[r.head] = msg
	r.count++
	r.mu.Unlock()

	for _, h := range msg.Blobs {
		_ = r.blobs.AddRef(h, kernelPID, blob.PermRead|blob.PermWrite)
		_ = r.blobs.DropRef(h, reader)
	}
}

// Read blocks until a message arrives, the context ends, or the channel
// is destroyed (which returns ERR_NOT_FOUND to every waiter).
func (r *Ring) Read(ctx context.Context, reader uint64) (Message, error) {
	for {
		msg, ok, err := r.TryRead(reader)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return Message{}, fmt.Errorf("channel %s: %w", r.uri, abi.ErrNotFound)
		}
		if r.count > 0 {
			r.mu.Unlock()
			continue
		}
		wait := make(chan struct{})
		r.waiters = append(r.waiters, wait)
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.count)
}

// destroy drains pending messages, releasing their blob references, and
// wakes every blocked reader.
func (r *Ring) destroy() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var pending []Message
	for i := uint32(0); i < r.count; i++ {
		pending = append(pending, r.slots[(r.head+i)%r.cap])
	}
	r.count = 0
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, msg := range pending {
		for _, h := range msg.Blobs {
			_ = r.blobs.DropRef(h, kernelPID)
		}
	}
	for _, w := range waiters {
		close(w)
	}
}
