// Package blob implements the kernel memory plane: reference-counted
// buffers identified by opaque 64-bit handles, DMA pools, per-process
// quotas and the retention journal that makes refcount changes
// transactional within a weave.
package blob

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/najoast/filament/abi"
)

// Flags for Alloc.
type Flags uint32

const (
	// DMARequired demands DMA-capable memory; allocation fails with
	// ERR_OOM if the host has no DMA pool.
	DMARequired Flags = 1 << 0

	// DMAOptional prefers DMA memory but falls back to standard memory.
	// When combined with DMARequired, optional wins.
	DMAOptional Flags = 1 << 1

	// Retained marks the blob retained at birth, exempt from ephemeral
	// collection.
	Retained Flags = 1 << 2
)

// Perm bits tracked per reference. A map request must be a subset of the
// reference's grant.
type Perm uint32

const (
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermExec  Perm = 1 << 2
)

// Subset reports whether p requests nothing beyond grant.
func (p Perm) Subset(grant Perm) bool {
	return p&^grant == 0
}

// Account is a memory quota. Blob allocations and channel ring budgets
// are billed against the owning process's account.
type Account struct {
	used atomic.Uint64
	max  uint64
}

// NewAccount creates an account with the given byte budget.
func NewAccount(max uint64) *Account {
	return &Account{max: max}
}

// Reserve deducts n bytes, failing with ERR_OOM when over budget.
func (a *Account) Reserve(n uint64) error {
	for {
		cur := a.used.Load()
		if cur+n > a.max {
			return fmt.Errorf("quota: %w: %d + %d bytes exceeds budget %d", abi.ErrOOM, cur, n, a.max)
		}
		if a.used.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

// Credit returns n bytes to the account.
func (a *Account) Credit(n uint64) {
	for {
		cur := a.used.Load()
		next := uint64(0)
		if cur > n {
			next = cur - n
		}
		if a.used.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Used returns the bytes currently reserved.
func (a *Account) Used() uint64 { return a.used.Load() }

// Max returns the account budget.
func (a *Account) Max() uint64 { return a.max }

// ref is one process's claim on a blob.
type ref struct {
	count int32
	perms Perm
}

// entry is the table-side state of one blob.
type entry struct {
	handle    uint64
	owner     uint64
	data      []byte
	dma       bool
	pooled    *Pool // non-nil when backed by a reserved pool
	retained  bool
	committed bool // handle appeared in a committed event
	account   *Account
	refs      map[uint64]*ref // keyed by process id (0 is the kernel itself)
}

func (e *entry) totalRefs() int32 {
	var n int32
	for _, r := range e.refs {
		n += r.count
	}
	return n
}

// Table owns every live blob. All methods are safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	next    uint64
	dma     *Pool // nil on hosts without DMA memory
}

// NewTable creates an empty blob table. dmaPool may be nil.
func NewTable(dmaPool *Pool) *Table {
	return &Table{
		entries: make(map[uint64]*entry),
		dma:     dmaPool,
	}
}

// Alloc creates a blob owned by pid, billing account. The owner receives
// an initial read-write reference. Allocations below MinBlobBytes are
// rounded up.
func (t *Table) Alloc(pid uint64, size uint64, flags Flags, account *Account) (uint64, error) {
	if size < abi.MinBlobBytes {
		size = abi.MinBlobBytes
	}
	if err := account.Reserve(size); err != nil {
		return 0, err
	}

	var data []byte
	dma := false
	switch {
	case flags&DMAOptional != 0:
		// Optional wins even when the required bit is also set.
		if t.dma != nil {
			if b, ok := t.dma.Take(size); ok {
				data, dma = b, true
			}
		}
		if data == nil {
			data = make([]byte, size)
		}
	case flags&DMARequired != 0:
		if t.dma == nil {
			account.Credit(size)
			return 0, fmt.Errorf("blob: %w: dma memory unavailable", abi.ErrOOM)
		}
		b, ok := t.dma.Take(size)
		if !ok {
			account.Credit(size)
			return 0, fmt.Errorf("blob: %w: dma pool exhausted", abi.ErrOOM)
		}
		data, dma = b, true
	default:
		data = make([]byte, size)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	e := &entry{
		handle:   t.next,
		owner:    pid,
		data:     data,
		dma:      dma,
		retained: flags&Retained != 0,
		account:  account,
		refs:     map[uint64]*ref{pid: {count: 1, perms: PermRead | PermWrite}},
	}
	t.entries[e.handle] = e
	return e.handle, nil
}

// AllocPooled creates a blob backed by a pre-reserved pool block,
// bypassing the host heap. System-context allocation goes through here.
func (t *Table) AllocPooled(pid uint64, size uint64, pool *Pool, account *Account) (uint64, error) {
	if size < abi.MinBlobBytes {
		size = abi.MinBlobBytes
	}
	if err := account.Reserve(size); err != nil {
		return 0, err
	}
	data, ok := pool.Take(size)
	if !ok {
		account.Credit(size)
		return 0, fmt.Errorf("blob: %w: reserved pool exhausted", abi.ErrOOM)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	e := &entry{
		handle:  t.next,
		owner:   pid,
		data:    data,
		pooled:  pool,
		account: account,
		refs:    map[uint64]*ref{pid: {count: 1, perms: PermRead | PermWrite}},
	}
	t.entries[e.handle] = e
	return e.handle, nil
}

// Map returns the blob's bytes for direct zero-copy access. The caller
// must hold a reference whose grant covers the requested perms.
func (t *Table) Map(handle, pid uint64, perms Perm) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return nil, fmt.Errorf("blob %d: %w", handle, abi.ErrNotFound)
	}
	r, ok := e.refs[pid]
	if !ok || r.count <= 0 {
		return nil, fmt.Errorf("blob %d: %w: process %d holds no reference", handle, abi.ErrPerm, pid)
	}
	if !perms.Subset(r.perms) {
		return nil, fmt.Errorf("blob %d: %w: requested perms %#x exceed grant %#x",
			handle, abi.ErrPerm, perms, r.perms)
	}
	return e.data, nil
}

// AddRef grants pid an additional reference with the given perms. Used
// at channel enqueue: the payload is never copied, only the count moves.
func (t *Table) AddRef(handle, pid uint64, perms Perm) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return fmt.Errorf("blob %d: %w", handle, abi.ErrNotFound)
	}
	if r, ok := e.refs[pid]; ok {
		r.count++
		r.perms |= perms
	} else {
		e.refs[pid] = &ref{count: 1, perms: perms}
	}
	return nil
}

// DropRef releases one reference held by pid, freeing the blob when the
// last reference goes and the blob is not retained.
func (t *Table) DropRef(handle, pid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropRefLocked(handle, pid)
}

func (t *Table) dropRefLocked(handle, pid uint64) error {
	e, ok := t.entries[handle]
	if !ok {
		return fmt.Errorf("blob %d: %w", handle, abi.ErrNotFound)
	}
	r, ok := e.refs[pid]
	if !ok || r.count <= 0 {
		return fmt.Errorf("blob %d: %w: process %d holds no reference", handle, abi.ErrPerm, pid)
	}
	r.count--
	if r.count == 0 {
		delete(e.refs, pid)
	}
	if e.totalRefs() == 0 && !e.retained {
		t.freeLocked(e)
	}
	return nil
}

// MarkRetained flags the blob as retained. Called by the journal at
// commit, never directly by modules.
func (t *Table) MarkRetained(handle uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return fmt.Errorf("blob %d: %w", handle, abi.ErrNotFound)
	}
	e.retained = true
	return nil
}

// MarkCommitted records that the handle appeared in a committed event,
// exempting it from ephemeral collection.
func (t *Table) MarkCommitted(handle uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return fmt.Errorf("blob %d: %w", handle, abi.ErrNotFound)
	}
	e.committed = true
	return nil
}

// DropEphemerals frees every blob owned by pid that was neither retained
// nor committed. Runs after each weave.
func (t *Table) DropEphemerals(pid uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for _, e := range t.entries {
		if e.owner == pid && !e.retained && !e.committed {
			t.freeLocked(e)
			dropped++
		}
	}
	return dropped
}

// Free releases the blob unconditionally, crediting its account. Used
// when a process terminates.
func (t *Table) Free(handle uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return fmt.Errorf("blob %d: %w", handle, abi.ErrNotFound)
	}
	t.freeLocked(e)
	return nil
}

// FreeOwned releases every blob owned by pid regardless of retention.
func (t *Table) FreeOwned(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.owner == pid {
			t.freeLocked(e)
		}
	}
}

func (t *Table) freeLocked(e *entry) {
	delete(t.entries, e.handle)
	e.account.Credit(uint64(len(e.data)))
	switch {
	case e.pooled != nil:
		e.pooled.Give(e.data)
	case e.dma && t.dma != nil:
		t.dma.Give(e.data)
	}
}

// Size returns the byte size of a blob.
func (t *Table) Size(handle uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return 0, fmt.Errorf("blob %d: %w", handle, abi.ErrNotFound)
	}
	return uint64(len(e.data)), nil
}

// Live returns the number of live blobs, for accounting snapshots.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Retained reports the retention flag of a blob.
func (t *Table) Retained(handle uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	return ok && e.retained
}
