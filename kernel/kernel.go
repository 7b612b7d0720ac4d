// Package kernel is the Filament executive: the process table, the
// weave transaction engine, the capability router, the supervisor tree
// and the scheduler driving shared and dedicated processes.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/blob"
	"github.com/najoast/filament/channel"
	"github.com/najoast/filament/engine"
	"github.com/najoast/filament/hostio"
	"github.com/najoast/filament/staging"
	"github.com/najoast/filament/telemetry"
	"github.com/najoast/filament/timeline"
	"github.com/najoast/filament/timer"
)

// ArchiveSink mirrors committed events to a persistence backend. The
// kernel never depends on a concrete store.
type ArchiveSink interface {
	Archive(pid uint64, rec timeline.Record) error
}

// HardwareBridge receives hardware side-effect events flushed at commit.
// Nothing reaches it from a discarded weave.
type HardwareBridge interface {
	Flush(pid uint64, events []staging.Entry) error
}

// Options configure a kernel.
type Options struct {
	// Logger receives kernel telemetry. Defaults to a nop logger.
	Logger *zap.Logger

	// DMAPool backs DMA allocations; nil means the host has no DMA
	// memory and DMA-required allocations fail.
	DMAPool *blob.Pool

	// SystemPool backs System-context allocations, which must never
	// touch the host heap on the hot path.
	SystemPool *blob.Pool

	// HostBudget caps total memory handed to root processes.
	HostBudget uint64

	// HostIOParallelism bounds concurrent fs/http host operations.
	HostIOParallelism int

	// VirtTimeStep is the virtual time advance per scheduler round.
	VirtTimeStep uint64

	// WallClock supplies event wall timestamps. The default derives them
	// from virtual time so logic pipelines stay bit-replayable.
	WallClock func(virt uint64) uint64

	// Archive, when set, receives every committed event.
	Archive ArchiveSink

	// Hardware, when set, receives side-effect flushes at commit.
	Hardware HardwareBridge
}

// Kernel is the single owning container of all runtime state. It is
// created, passed by reference, and torn down explicitly; there are no
// ambient singletons.
type Kernel struct {
	opts   Options
	logger *zap.Logger

	blobs    *blob.Table
	channels *channel.Registry
	timers   *timer.Wheel
	hostio   *hostio.Dispatcher
	sink     *telemetry.Sink

	mu        sync.RWMutex
	engines   map[string]engine.Engine
	artifacts map[[32]byte][]byte
	procs     map[uint64]*Process

	hostAccount *blob.Account
	nextPID     atomic.Uint64
	virtTime    atomic.Uint64

	closed atomic.Bool
}

// New creates a kernel.
func New(opts Options) *Kernel {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HostBudget == 0 {
		opts.HostBudget = 1 << 30
	}
	if opts.VirtTimeStep == 0 {
		opts.VirtTimeStep = 1
	}
	if opts.WallClock == nil {
		opts.WallClock = func(virt uint64) uint64 { return virt }
	}
	blobs := blob.NewTable(opts.DMAPool)
	k := &Kernel{
		opts:        opts,
		logger:      opts.Logger.Named("kernel"),
		blobs:       blobs,
		channels:    channel.NewRegistry(blobs),
		timers:      timer.NewWheel(),
		hostio:      hostio.NewDispatcher(opts.HostIOParallelism),
		sink:        telemetry.NewSink(opts.Logger),
		engines:     make(map[string]engine.Engine),
		artifacts:   make(map[[32]byte][]byte),
		procs:       make(map[uint64]*Process),
		hostAccount: blob.NewAccount(opts.HostBudget),
	}
	return k
}

// RegisterEngine installs an execution engine under its name.
func (k *Kernel) RegisterEngine(e engine.Engine) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.engines[e.Name()] = e
}

// RegisterArtifact stores a code image in the artifact store and returns
// its SHA-256 digest, which spawn arguments reference.
func (k *Kernel) RegisterArtifact(code []byte) [32]byte {
	digest := sha256Of(code)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.artifacts[digest] = append([]byte(nil), code...)
	return digest
}

// HostIO exposes the dispatcher so hosts can register fs/http handlers.
func (k *Kernel) HostIO() *hostio.Dispatcher { return k.hostio }

// Channels exposes the channel registry for host-side inspection.
func (k *Kernel) Channels() *channel.Registry { return k.channels }

// Blobs exposes the blob table for host-side inspection.
func (k *Kernel) Blobs() *blob.Table { return k.blobs }

// VirtTime returns the current virtual time.
func (k *Kernel) VirtTime() uint64 { return k.virtTime.Load() }

// AdvanceVirtTime moves the logical clock forward by delta.
func (k *Kernel) AdvanceVirtTime(delta uint64) uint64 {
	return k.virtTime.Add(delta)
}

// Process returns a process by id.
func (k *Kernel) Process(pid uint64) (*Process, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.procs[pid]
	return p, ok
}

// Processes returns a snapshot of all live process ids.
func (k *Kernel) Processes() []uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]uint64, 0, len(k.procs))
	for id := range k.procs {
		ids = append(ids, id)
	}
	return ids
}

// HostInfo describes this kernel to modules during get_info.
func (k *Kernel) HostInfo() abi.HostInfo {
	return abi.HostInfo{
		KernelVersion: 1,
		ABI:           abi.ABIVersion,
		VirtTimeHz:    1_000_000,
	}
}

// Shutdown terminates every root process and stops host workers.
func (k *Kernel) Shutdown() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	k.mu.RLock()
	var roots []uint64
	for id, p := range k.procs {
		if p.parent == hostPID {
			roots = append(roots, id)
		}
	}
	k.mu.RUnlock()
	for _, pid := range roots {
		if err := k.Terminate(pid); err != nil {
			k.logger.Warn("terminating root process failed", zap.Uint64("pid", pid), zap.Error(err))
		}
	}
	return k.hostio.Close()
}

// Stats is a point-in-time kernel snapshot.
type Stats struct {
	Processes   int
	LiveBlobs   int
	VirtTime    uint64
	HostMemUsed uint64
}

// Stats returns a snapshot of kernel-wide counters.
func (k *Kernel) Stats() Stats {
	k.mu.RLock()
	procs := len(k.procs)
	k.mu.RUnlock()
	return Stats{
		Processes:   procs,
		LiveBlobs:   k.blobs.Live(),
		VirtTime:    k.virtTime.Load(),
		HostMemUsed: k.hostAccount.Used(),
	}
}

func (k *Kernel) engine(name string) (engine.Engine, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.engines[name]
	if !ok {
		return nil, fmt.Errorf("kernel: engine %q: %w", name, abi.ErrNotFound)
	}
	return e, nil
}

func (k *Kernel) artifact(digest [32]byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	code, ok := k.artifacts[digest]
	if !ok {
		return nil, fmt.Errorf("kernel: artifact %x: %w", digest[:8], abi.ErrNotFound)
	}
	return code, nil
}
