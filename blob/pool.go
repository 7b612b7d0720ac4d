package blob

import "sync"

// Pool is a pre-reserved slab of fixed-size blocks. Two users: DMA
// memory on hosts that have it, and System-context allocation, which
// must never touch the host heap on the hot path.
type Pool struct {
	mu        sync.Mutex
	blockSize uint64
	free      [][]byte
}

// NewPool reserves count blocks of blockSize bytes up front.
func NewPool(blockSize uint64, count int) *Pool {
	p := &Pool{blockSize: blockSize, free: make([][]byte, 0, count)}
	for i := 0; i < count; i++ {
		p.free = append(p.free, make([]byte, blockSize))
	}
	return p
}

// Take returns a zeroed block of at least size bytes, or false when the
// request cannot be served from the reservation.
func (p *Pool) Take(size uint64) ([]byte, bool) {
	if size > p.blockSize {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	for i := range b {
		b[i] = 0
	}
	return b[:size], true
}

// Give returns a block to the pool.
func (p *Pool) Give(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, b[:cap(b)])
}

// Available returns the number of free blocks.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
