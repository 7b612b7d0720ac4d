package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/blob"
	"github.com/najoast/filament/capability"
	"github.com/najoast/filament/kv"
	"github.com/najoast/filament/module"
	"github.com/najoast/filament/staging"
	"github.com/najoast/filament/timeline"
)

// hostPID is the pseudo-parent of root processes and the holder of
// in-flight kernel references.
const hostPID = 0

// ProcState is the lifecycle state of a process.
type ProcState int32

const (
	// StateReady means the process wants the next weave.
	StateReady ProcState = iota

	// StateParked means every module returned PARK and no input is
	// pending.
	StateParked

	// StateFaulted means a core/panic or fatal trap occurred.
	StateFaulted

	// StateTerminated means the process is gone.
	StateTerminated
)

// String returns the string representation of ProcState.
func (s ProcState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateParked:
		return "parked"
	case StateFaulted:
		return "faulted"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Process is one sandboxed computational unit: a pipeline of module
// instances, a timeline, a staging area and the resources billed to it.
type Process struct {
	id     uint64
	parent uint64
	policy abi.SchedPolicy
	limits abi.ResourceLimits
	seed   uint64

	account  *blob.Account
	caps     *capability.Set
	pipeline []*module.Instance
	hosts    []*processHost // parallel to pipeline
	bindings map[string]string // internal topic -> channel URI

	tl    *timeline.Timeline
	area  *staging.Area
	store *kv.Store

	state atomic.Int32
	tick  atomic.Uint64

	mu       sync.Mutex
	children map[uint64]struct{}
	inbound  []staging.Entry
	cursors  map[uint64]*timeline.Cursor
	nextCur  uint64

	// weaveMu serializes weaves on this process: at most one module
	// instance runs against a timeline at any moment.
	weaveMu sync.Mutex

	wake chan struct{}
}

// ID returns the process id.
func (p *Process) ID() uint64 { return p.id }

// Parent returns the parent process id (hostPID for roots).
func (p *Process) Parent() uint64 { return p.parent }

// Policy returns the scheduling policy.
func (p *Process) Policy() abi.SchedPolicy { return p.policy }

// State returns the lifecycle state.
func (p *Process) State() ProcState { return ProcState(p.state.Load()) }

// Timeline returns the committed event log.
func (p *Process) Timeline() *timeline.Timeline { return p.tl }

// Store returns the committed kv state.
func (p *Process) Store() *kv.Store { return p.store }

// Account returns the memory quota account.
func (p *Process) Account() *blob.Account { return p.account }

// Tick returns the weave counter.
func (p *Process) Tick() uint64 { return p.tick.Load() }

// Children returns a sorted-free snapshot of child ids.
func (p *Process) Children() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint64, 0, len(p.children))
	for id := range p.children {
		ids = append(ids, id)
	}
	return ids
}

// deposit queues an inbound event for the next weave and signals the
// wake channel for dedicated workers.
func (p *Process) deposit(e staging.Entry) {
	p.mu.Lock()
	e.Inbound = true
	p.inbound = append(p.inbound, e)
	p.mu.Unlock()

	p.state.CompareAndSwap(int32(StateParked), int32(StateReady))
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// takeInbound drains the pending inbound queue at ingress.
func (p *Process) takeInbound() []staging.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := p.inbound
	p.inbound = nil
	return in
}

// hasPendingInput reports whether inbound events await the next weave.
func (p *Process) hasPendingInput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbound) > 0
}

// ProcessStats is a point-in-time snapshot of one process.
type ProcessStats struct {
	ID       uint64
	Parent   uint64
	State    ProcState
	Policy   abi.SchedPolicy
	Tick     uint64
	LastTick uint64
	MemUsed  uint64
	MemMax   uint64
	Children int
	Modules  int
}

// Stats returns a snapshot in the style of the rest of the runtime.
func (p *Process) Stats() ProcessStats {
	p.mu.Lock()
	children := len(p.children)
	p.mu.Unlock()
	return ProcessStats{
		ID:       p.id,
		Parent:   p.parent,
		State:    p.State(),
		Policy:   p.policy,
		Tick:     p.tick.Load(),
		LastTick: p.tl.LastTick(),
		MemUsed:  p.account.Used(),
		MemMax:   p.account.Max(),
		Children: children,
		Modules:  len(p.pipeline),
	}
}
