package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/capability"
	"github.com/najoast/filament/engine"
	"github.com/najoast/filament/engine/native"
	"github.com/najoast/filament/staging"
	"github.com/najoast/filament/value"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testModule adapts closures to the native module contract.
type testModule struct {
	context abi.ContextKind
	pooling abi.PoolingMode
	weave   func(host engine.Host, args *abi.WeaveArgs) abi.Code
}

func (m *testModule) Info() abi.ModuleInfo {
	return abi.ModuleInfo{
		Magic: abi.Magic, ABI: abi.ABIVersion,
		Context: m.context, Pooling: m.pooling, MemRequired: 1 << 12,
	}
}

func (m *testModule) Init(engine.Host, []byte) error { return nil }

func (m *testModule) Weave(host engine.Host, args *abi.WeaveArgs) abi.Code {
	if m.weave == nil {
		return abi.Park
	}
	return m.weave(host, args)
}

var moduleSeq atomic.Uint64

// registerModule installs a closure-backed native module under a unique
// name and returns its definition for spawn arguments.
func registerModule(context abi.ContextKind, weave func(engine.Host, *abi.WeaveArgs) abi.Code) abi.ModuleDefinition {
	name := fmt.Sprintf("test-module-%d", moduleSeq.Add(1))
	native.Register(name, func() native.Module {
		return &testModule{context: context, weave: weave}
	})
	return abi.ModuleDefinition{
		Alias:    name,
		Digest:   native.DigestFor(name),
		Context:  context,
		MemLimit: 1 << 16,
	}
}

func allCaps(t *testing.T) *capability.Set {
	t.Helper()
	return mustAllCaps()
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k := New(Options{HostBudget: 1 << 24})
	k.RegisterEngine(native.New())
	t.Cleanup(func() { require.NoError(t, k.Shutdown()) })
	return k
}

func spawnPipeline(t *testing.T, k *Kernel, seed uint64, defs ...abi.ModuleDefinition) *Process {
	t.Helper()
	for _, def := range defs {
		k.RegisterArtifact([]byte(def.Alias))
	}
	pid, err := k.Spawn(hostPID, SpawnSpec{
		Args: abi.ProcessSpawnArgs{
			Modules: defs,
			Limits:  abi.ResourceLimits{MemMax: 1 << 20, ComputeMax: 1000},
			Policy:  abi.Shared,
		},
		Caps: allCaps(t),
		Seed: seed,
	})
	require.NoError(t, err)
	p, ok := k.Process(pid)
	require.True(t, ok)
	return p
}

// Scenario: determinism replay. Identical inputs, seeds and virtual
// times produce bit-identical committed events.
func TestDeterminismReplay(t *testing.T) {
	run := func() ([32]byte, []byte) {
		k := New(Options{HostBudget: 1 << 24})
		defer k.Shutdown()
		k.RegisterEngine(native.New())

		def := registerModule(abi.ContextLogic, func(host engine.Host, args *abi.WeaveArgs) abi.Code {
			events, _, err := host.Read("a", 0)
			if err != nil || len(events) != 1 {
				return abi.CodeInvalid
			}
			in, err := value.Decode(events[0].Payload)
			if err != nil {
				return abi.CodeInvalid
			}
			out, err := value.Encode(value.Map(
				value.Pair{Key: "input", Val: in},
				value.Pair{Key: "derived", Val: value.U64(in.U64 + args.RandSeed%1000)},
			))
			if err != nil {
				return abi.CodeInvalid
			}
			if err := host.Write("out", out); err != nil {
				return abi.CodeIO
			}
			return abi.Park
		})
		k.RegisterArtifact([]byte(def.Alias))

		pid, err := k.Spawn(hostPID, SpawnSpec{
			Args: abi.ProcessSpawnArgs{
				Modules: []abi.ModuleDefinition{def},
				Limits:  abi.ResourceLimits{MemMax: 1 << 20, ComputeMax: 1000},
			},
			Caps: mustAllCaps(),
			Seed: 0xDEADBEEF,
		})
		if err != nil {
			t.Fatal(err)
		}
		p, _ := k.Process(pid)

		k.virtTime.Store(1000)
		p.deposit(staging.Entry{Topic: "a", Payload: mustEncodeU64(7)})
		if err := k.RunWeave(p); err != nil {
			t.Fatal(err)
		}

		rec, err := p.tl.Get(1)
		if err != nil {
			t.Fatal(err)
		}
		return p.tl.Fingerprint(), rec.Payload
	}

	firstFP, firstPayload := run()
	for i := 0; i < 20; i++ {
		fp, payload := run()
		require.Equal(t, firstFP, fp, "run %d diverged", i)
		require.Equal(t, firstPayload, payload)
	}
}

func mustAllCaps() *capability.Set {
	set, err := capability.NewSet(capability.Grant{
		URN: "urn:filament:cap:test",
		HostFuncs: []string{
			"read", "write", "blob_alloc", "blob_map", "blob_retain",
			"tl_open", "tl_next", "tl_close",
			"channel_create", "process_spawn", "process_terminate",
		},
		OutboundTopics: []string{"filament/*", "out", "sensors/*"},
		InboundTopics:  []string{"filament/*", "a", "in/*"},
	})
	if err != nil {
		panic(err)
	}
	return set
}

func mustEncodeU64(v uint64) []byte {
	buf, err := value.Encode(value.U64(v))
	if err != nil {
		panic(err)
	}
	return buf
}

// recordingBridge captures hardware flushes.
type recordingBridge struct {
	flushes atomic.Int32
}

func (b *recordingBridge) Flush(uint64, []staging.Entry) error {
	b.flushes.Add(1)
	return nil
}

// Scenario: rollback on panic. A panicking stage discards the whole
// weave: kv, timeline, staging and hardware all untouched.
func TestRollbackOnPanic(t *testing.T) {
	bridge := &recordingBridge{}
	k := New(Options{HostBudget: 1 << 24, Hardware: bridge})
	defer k.Shutdown()
	k.RegisterEngine(native.New())

	logicA := registerModule(abi.ContextLogic, func(host engine.Host, _ *abi.WeaveArgs) abi.Code {
		set := value.Map(
			value.Pair{Key: "key", Val: value.Str("x")},
			value.Pair{Key: "value", Val: value.U64(1)},
		)
		buf, _ := value.Encode(set)
		if err := host.Write(abi.TopicKVSet, buf); err != nil {
			return abi.CodeIO
		}
		if err := host.Write("out", mustEncodeU64(1)); err != nil {
			return abi.CodeIO
		}
		if err := host.Write("filament/hw/gpio/1", mustEncodeU64(1)); err != nil {
			return abi.CodeIO
		}
		return abi.Park
	})
	logicB := registerModule(abi.ContextLogic, func(host engine.Host, _ *abi.WeaveArgs) abi.Code {
		buf, _ := value.Encode(value.Str("boom"))
		_ = host.Write(abi.TopicCorePanic, buf)
		return abi.Park
	})

	k.RegisterArtifact([]byte(logicA.Alias))
	k.RegisterArtifact([]byte(logicB.Alias))
	pid, err := k.Spawn(hostPID, SpawnSpec{
		Args: abi.ProcessSpawnArgs{
			Modules: []abi.ModuleDefinition{logicA, logicB},
			Limits:  abi.ResourceLimits{MemMax: 1 << 20, ComputeMax: 1000},
		},
		Caps: mustAllCaps(),
	})
	require.NoError(t, err)
	p, _ := k.Process(pid)

	before := p.tl.Fingerprint()
	err = k.RunWeave(p)
	require.Error(t, err)

	assert.Equal(t, before, p.tl.Fingerprint(), "timeline bit-identical")
	_, err = p.store.Get("x")
	assert.ErrorIs(t, err, abi.ErrNotFound, "kv write rolled back")
	assert.Equal(t, 0, p.area.Len(), "staging cleared")
	assert.Equal(t, int32(0), bridge.flushes.Load(), "no hardware actuation")
	assert.Equal(t, StateFaulted, p.State())
}

// Scenario: cascading termination. P -> C1 -> C2; terminating P removes
// descendants post-order, destroys their channels and restores quota.
func TestCascadingTermination(t *testing.T) {
	k := newTestKernel(t)
	idle := registerModule(abi.ContextManaged, nil)
	k.RegisterArtifact([]byte(idle.Alias))

	spawn := func(parent uint64, mem uint64) uint64 {
		pid, err := k.Spawn(parent, SpawnSpec{
			Args: abi.ProcessSpawnArgs{
				Modules: []abi.ModuleDefinition{idle},
				Limits:  abi.ResourceLimits{MemMax: mem, ComputeMax: 100},
			},
			Caps: mustAllCaps(),
			Channels: []ChannelSpec{{
				Topic: "out",
				Def:   abi.ChannelDefinition{Capacity: 4, MsgSize: 64},
			}},
		})
		require.NoError(t, err)
		return pid
	}

	hostBefore := k.hostAccount.Used()
	p := spawn(hostPID, 1<<20)
	c1 := spawn(p, 1<<16)
	c2 := spawn(c1, 1<<12)

	c2Proc, ok := k.Process(c2)
	require.True(t, ok)
	ringURI := c2Proc.bindings["out"]
	ring, ok := k.channels.Get(ringURI)
	require.True(t, ok)

	// Park a reader on C2's channel.
	readerErr := make(chan error, 1)
	go func() {
		_, err := ring.Read(context.Background(), 99)
		readerErr <- err
	}()

	require.NoError(t, k.Terminate(p))

	for _, pid := range []uint64{p, c1, c2} {
		_, ok := k.Process(pid)
		assert.False(t, ok, "process %d survived", pid)
	}
	_, ok = k.channels.Get(ringURI)
	assert.False(t, ok, "owned channel survived")
	assert.ErrorIs(t, <-readerErr, abi.ErrNotFound, "blocked reader woken")
	assert.Equal(t, hostBefore, k.hostAccount.Used(), "quota credited back in full")
}

// Unauthorized emission aborts the weave with ERR_PERM.
func TestCapabilityViolationAbortsWeave(t *testing.T) {
	k := newTestKernel(t)
	def := registerModule(abi.ContextManaged, func(host engine.Host, _ *abi.WeaveArgs) abi.Code {
		err := host.Write("forbidden/topic", mustEncodeU64(1))
		if err != nil {
			return abi.Park // swallowing the error must not save the weave
		}
		return abi.Park
	})
	p := spawnPipeline(t, k, 1, def)

	err := k.RunWeave(p)
	assert.ErrorIs(t, err, abi.ErrPerm)
	assert.Equal(t, uint64(0), p.tl.LastTick())
}

// filament/time/set arms a virtual timer; the fire event arrives with
// the skew in a later weave.
func TestTimerFlow(t *testing.T) {
	k := newTestKernel(t)
	var fired atomic.Uint64
	def := registerModule(abi.ContextManaged, func(host engine.Host, args *abi.WeaveArgs) abi.Code {
		if args.WakeFlags&abi.WakeTimer != 0 {
			events, _, _ := host.Read(abi.TopicTimeFire, 0)
			if len(events) == 1 {
				v, err := value.Decode(events[0].Payload)
				if err != nil {
					return abi.CodeInvalid
				}
				skew, _ := v.Get("skew")
				fired.Store(1 + skew.U64)
			}
			return abi.Park
		}
		if args.WakeFlags&abi.WakeInit != 0 {
			buf, _ := value.Encode(value.Map(value.Pair{Key: "target", Val: value.U64(3)}))
			if err := host.Write(abi.TopicTimeSet, buf); err != nil {
				return abi.CodeIO
			}
		}
		return abi.Park
	})
	p := spawnPipeline(t, k, 1, def)

	require.NoError(t, k.RunWeave(p)) // arms timer for virt=3
	k.Step()                          // virt=1: nothing fires
	assert.Equal(t, uint64(0), fired.Load())
	k.Step() // virt=2
	k.Step() // virt=3: timer fires, process wakes, weave runs
	assert.Equal(t, uint64(1), fired.Load(), "fired exactly at target, zero skew")
}

// PARK with unread staged input upgrades to YIELD and the process stays
// ready.
func TestParkUpgradesWithUnreadInput(t *testing.T) {
	k := newTestKernel(t)
	def := registerModule(abi.ContextManaged, nil) // parks without reading
	p := spawnPipeline(t, k, 1, def)

	p.deposit(staging.Entry{Topic: "a", Payload: mustEncodeU64(1)})
	require.NoError(t, k.RunWeave(p))
	assert.Equal(t, StateReady, p.State(), "unread input keeps the process ready")

	require.NoError(t, k.RunWeave(p))
	assert.Equal(t, StateParked, p.State(), "nothing pending parks the process")
}

// Compute-unit exhaustion preempts with ERR_TIMEOUT and discards.
func TestComputeBudgetPreemption(t *testing.T) {
	k := newTestKernel(t)

	// A budget of 1 unit across a two-stage pipeline: the second stage
	// pushes consumption past the cap.
	def2a := registerModule(abi.ContextManaged, nil)
	def2b := registerModule(abi.ContextManaged, nil)
	k.RegisterArtifact([]byte(def2a.Alias))
	k.RegisterArtifact([]byte(def2b.Alias))
	pid2, err := k.Spawn(hostPID, SpawnSpec{
		Args: abi.ProcessSpawnArgs{
			Modules: []abi.ModuleDefinition{def2a, def2b},
			Limits:  abi.ResourceLimits{MemMax: 1 << 20, ComputeMax: 1},
		},
		Caps: mustAllCaps(),
	})
	require.NoError(t, err)
	p2, _ := k.Process(pid2)

	err = k.RunWeave(p2)
	assert.ErrorIs(t, err, abi.ErrTimeout)
	assert.Equal(t, uint64(0), p2.tl.LastTick())
}

// Spawn validation: capability escalation and digest mismatches refuse.
func TestSpawnValidation(t *testing.T) {
	k := newTestKernel(t)
	def := registerModule(abi.ContextManaged, nil)
	k.RegisterArtifact([]byte(def.Alias))

	parent := spawnPipeline(t, k, 1, def)

	wide, err := capability.NewSet(capability.Grant{
		URN:            "urn:filament:cap:wide",
		OutboundTopics: []string{"everything/*"},
	})
	require.NoError(t, err)

	_, err = k.Spawn(parent.ID(), SpawnSpec{
		Args: abi.ProcessSpawnArgs{
			Modules: []abi.ModuleDefinition{def},
			Limits:  abi.ResourceLimits{MemMax: 1 << 12},
		},
		Caps: wide,
	})
	assert.ErrorIs(t, err, abi.ErrPerm, "child capabilities exceed parent's")

	unknown := def
	unknown.Digest[0] ^= 0xFF
	_, err = k.Spawn(hostPID, SpawnSpec{
		Args: abi.ProcessSpawnArgs{
			Modules: []abi.ModuleDefinition{unknown},
			Limits:  abi.ResourceLimits{MemMax: 1 << 12},
		},
		Caps: mustAllCaps(),
	})
	assert.ErrorIs(t, err, abi.ErrNotFound, "unknown artifact digest")
}

// Pinned capabilities may not be granted to stateless modules.
func TestPinnedAffinityEnforcement(t *testing.T) {
	k := newTestKernel(t)
	def := registerModule(abi.ContextManaged, nil)
	def.Pooling = abi.Stateless
	k.RegisterArtifact([]byte(def.Alias))

	pinned, err := capability.NewSet(capability.Grant{
		URN:      "urn:filament:cap:hw",
		Affinity: capability.Pinned,
	})
	require.NoError(t, err)

	_, err = k.Spawn(hostPID, SpawnSpec{
		Args: abi.ProcessSpawnArgs{
			Modules: []abi.ModuleDefinition{def},
			Limits:  abi.ResourceLimits{MemMax: 1 << 12},
		},
		Caps: pinned,
	})
	assert.ErrorIs(t, err, abi.ErrPerm)
}

// kv writes land atomically at commit and reads are snapshot-isolated.
func TestKVCommitFlow(t *testing.T) {
	k := newTestKernel(t)
	var sawOwnWrite atomic.Bool
	def := registerModule(abi.ContextManaged, func(host engine.Host, args *abi.WeaveArgs) abi.Code {
		if args.WakeFlags&abi.WakeInit == 0 {
			return abi.Park
		}
		set, _ := value.Encode(value.Map(
			value.Pair{Key: "key", Val: value.Str("greeting")},
			value.Pair{Key: "value", Val: value.Str("hello")},
		))
		if err := host.Write(abi.TopicKVSet, set); err != nil {
			return abi.CodeIO
		}
		get, _ := value.Encode(value.Map(
			value.Pair{Key: "key", Val: value.Str("greeting")},
			value.Pair{Key: "req_id", Val: value.U64(1)},
		))
		if err := host.Write(abi.TopicKVGet, get); err != nil {
			return abi.CodeIO
		}
		events, _, _ := host.Read(abi.TopicKVResult, 0)
		for _, ev := range events {
			v, err := value.Decode(ev.Payload)
			if err != nil {
				continue
			}
			if found, _ := v.Get("found"); found.Bool {
				sawOwnWrite.Store(true)
			}
		}
		return abi.Park
	})
	p := spawnPipeline(t, k, 1, def)

	require.NoError(t, k.RunWeave(p))
	assert.True(t, sawOwnWrite.Load(), "weave sees its own buffered write")

	raw, err := p.store.Get("greeting")
	require.NoError(t, err)
	v, err := value.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", v.Str)
}
