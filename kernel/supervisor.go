package kernel

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/blob"
	"github.com/najoast/filament/capability"
	"github.com/najoast/filament/kv"
	"github.com/najoast/filament/module"
	"github.com/najoast/filament/staging"
	"github.com/najoast/filament/timeline"
)

func sha256Of(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// ChannelSpec wires one topic of the new process: either a fresh ring
// created from Def and owned by the child, or an attachment to an
// existing channel whose schema must match Def byte-wise.
type ChannelSpec struct {
	Topic     string
	Def       abi.ChannelDefinition
	AttachURI string
}

// SpawnSpec is the complete spawn request: the ABI arguments plus the
// host-side wiring a manifest provides.
type SpawnSpec struct {
	Args abi.ProcessSpawnArgs

	// Caps is the child capability set; must be a subset of the
	// parent's unless the host escalates.
	Caps *capability.Set

	// Engines maps module alias to engine name; missing entries default
	// to the native engine.
	Engines map[string]string

	// Configs maps module alias to the init payload copied into the
	// module's reserved region.
	Configs map[string][]byte

	// Channels declares the process's channel wiring.
	Channels []ChannelSpec

	// TimelinePolicy is strict, prunable or mutable.
	TimelinePolicy string

	// Seed feeds deterministic per-weave random seeds.
	Seed uint64

	// StagingBytes sizes the staging area; raised to the contract
	// minimum when smaller.
	StagingBytes int

	// Escalate lets the host grant capabilities beyond the parent's.
	// Ignored for module-initiated spawns.
	Escalate bool
}

// Spawn creates a process under parent (hostPID for roots) and runs the
// module bootstrap sequence. The returned pid is live on success.
func (k *Kernel) Spawn(parent uint64, spec SpawnSpec) (uint64, error) {
	var parentProc *Process
	if parent != hostPID {
		var ok bool
		parentProc, ok = k.Process(parent)
		if !ok {
			return 0, fmt.Errorf("kernel: parent %d: %w", parent, abi.ErrNotFound)
		}
	}
	if err := k.validateSpawn(parentProc, spec); err != nil {
		return 0, err
	}
	pid := k.nextPID.Add(1)
	return k.spawnWithPID(pid, parent, spec)
}

// validateSpawn enforces the supervisor's spawn rules before any
// resource moves.
func (k *Kernel) validateSpawn(parent *Process, spec SpawnSpec) error {
	if len(spec.Args.Modules) == 0 {
		return fmt.Errorf("kernel: spawn: %w: empty pipeline", abi.ErrInvalid)
	}
	if spec.Args.Limits.MemMax == 0 {
		return fmt.Errorf("kernel: spawn: %w: mem_max must be positive", abi.ErrInvalid)
	}

	// Every module digest must resolve against a loaded artifact.
	for _, def := range spec.Args.Modules {
		if _, err := k.artifact(def.Digest); err != nil {
			return fmt.Errorf("kernel: module %s: %w", def.Alias, err)
		}
		// Pinned capabilities may not ride on pooled instances.
		if def.Pooling == abi.Stateless && spec.Caps.HasPinned() {
			return fmt.Errorf("kernel: module %s: %w: pinned capability granted to a stateless module",
				def.Alias, abi.ErrPerm)
		}
	}

	// Child capabilities must not exceed the parent's unless the host
	// explicitly escalates the spawn.
	if parent != nil && !spec.Escalate && !spec.Caps.SubsetOf(parent.caps) {
		return fmt.Errorf("kernel: spawn: %w: child capabilities exceed parent's", abi.ErrPerm)
	}

	// Attached channels must match the schema URI byte-wise. The declared
	// root type is not compared at spawn.
	for _, ch := range spec.Channels {
		if ch.AttachURI == "" {
			continue
		}
		ring, ok := k.channels.Get(ch.AttachURI)
		if !ok {
			return fmt.Errorf("kernel: channel %s: %w", ch.AttachURI, abi.ErrNotFound)
		}
		if ring.SchemaURI() != ch.Def.SchemaURI {
			return fmt.Errorf("kernel: channel %s: %w: schema %q does not match %q",
				ch.AttachURI, abi.ErrType, ch.Def.SchemaURI, ring.SchemaURI())
		}
	}

	if _, err := timeline.PolicyByName(spec.TimelinePolicy); err != nil {
		return err
	}
	return nil
}

// spawnWithPID performs the spawn after validation. Used directly when a
// weave commit applies a pending spawn whose pid was assigned eagerly.
func (k *Kernel) spawnWithPID(pid, parent uint64, spec SpawnSpec) (uint64, error) {
	parentAccount := k.hostAccount
	var parentProc *Process
	if parent != hostPID {
		var ok bool
		parentProc, ok = k.Process(parent)
		if !ok {
			return 0, fmt.Errorf("kernel: parent %d: %w", parent, abi.ErrNotFound)
		}
		parentAccount = parentProc.account
	}

	// The child's memory budget comes out of the parent's.
	if err := parentAccount.Reserve(spec.Args.Limits.MemMax); err != nil {
		return 0, err
	}

	policy, err := timeline.PolicyByName(spec.TimelinePolicy)
	if err != nil {
		parentAccount.Credit(spec.Args.Limits.MemMax)
		return 0, err
	}

	p := &Process{
		id:       pid,
		parent:   parent,
		policy:   spec.Args.Policy,
		limits:   spec.Args.Limits,
		seed:     spec.Seed,
		account:  blob.NewAccount(spec.Args.Limits.MemMax),
		caps:     spec.Caps,
		bindings: make(map[string]string),
		tl:       timeline.New(policy),
		area:     staging.NewArea(spec.StagingBytes),
		store:    kv.NewStore(),
		children: make(map[uint64]struct{}),
		cursors:  make(map[uint64]*timeline.Cursor),
		wake:     make(chan struct{}, 1),
	}

	fail := func(err error) (uint64, error) {
		k.channels.DestroyOwned(pid)
		parentAccount.Credit(spec.Args.Limits.MemMax)
		return 0, err
	}

	// Channel wiring: fresh rings are owned (and billed to) the child.
	for _, ch := range spec.Channels {
		uri := ch.AttachURI
		if uri == "" {
			ring, err := k.channels.Create(pid, ch.Def, p.account)
			if err != nil {
				return fail(err)
			}
			uri = ring.URI()
		}
		p.bindings[ch.Topic] = uri
	}

	// Bootstrap the pipeline in order. Init cost is charged to the
	// parent's weave, not the child's first.
	hostInfo := k.HostInfo()
	for _, def := range spec.Args.Modules {
		engineName := spec.Engines[def.Alias]
		if engineName == "" {
			engineName = "native"
		}
		eng, err := k.engine(engineName)
		if err != nil {
			return fail(err)
		}
		code, err := k.artifact(def.Digest)
		if err != nil {
			return fail(err)
		}
		host := &processHost{k: k, p: p, modIdx: len(p.pipeline)}
		inst, err := module.Bootstrap(eng, code, def, spec.Configs[def.Alias], hostInfo, host)
		if err != nil {
			return fail(err)
		}
		p.pipeline = append(p.pipeline, inst)
		p.hosts = append(p.hosts, host)
	}

	k.mu.Lock()
	k.procs[pid] = p
	k.mu.Unlock()
	if parentProc != nil {
		parentProc.mu.Lock()
		parentProc.children[pid] = struct{}{}
		parentProc.mu.Unlock()
	}

	k.logger.Info("process spawned",
		zap.Uint64("pid", pid),
		zap.Uint64("parent", parent),
		zap.String("policy", spec.Args.Policy.String()),
		zap.Int("modules", len(p.pipeline)))
	return pid, nil
}

// Terminate tears a process down: descendants first in post-order, then
// channels (waking blocked readers with ERR_NOT_FOUND), blobs, pending
// host I/O and timers, finally crediting mem_max back to the parent.
func (k *Kernel) Terminate(pid uint64) error {
	p, ok := k.Process(pid)
	if !ok {
		return fmt.Errorf("kernel: process %d: %w", pid, abi.ErrNotFound)
	}

	// Suspend: no new weaves are scheduled, and any in-flight weave
	// finishes before teardown proceeds.
	p.state.Store(int32(StateTerminated))
	p.weaveMu.Lock()
	p.weaveMu.Unlock()

	children := p.Children()
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, child := range children {
		if err := k.Terminate(child); err != nil {
			k.logger.Warn("cascading termination", zap.Uint64("pid", child), zap.Error(err))
		}
	}

	k.hostio.CancelProcess(pid)
	k.timers.CancelProcess(pid)
	k.channels.DestroyOwned(pid)
	k.blobs.FreeOwned(pid)

	k.mu.Lock()
	delete(k.procs, pid)
	parent, hasParent := k.procs[p.parent]
	k.mu.Unlock()

	if hasParent {
		parent.mu.Lock()
		delete(parent.children, pid)
		parent.mu.Unlock()
		parent.account.Credit(p.limits.MemMax)
	} else {
		k.hostAccount.Credit(p.limits.MemMax)
	}

	k.logger.Info("process terminated", zap.Uint64("pid", pid))
	return nil
}
