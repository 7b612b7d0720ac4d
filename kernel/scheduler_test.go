package kernel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/engine"
)

// A dedicated process runs on its own worker, independent of the global
// barrier, and its weaves keep flowing while shared processes are idle.
func TestDedicatedProcessRunsIndependently(t *testing.T) {
	k := newTestKernel(t)

	var weaves atomic.Uint64
	def := registerModule(abi.ContextManaged, func(engine.Host, *abi.WeaveArgs) abi.Code {
		weaves.Add(1)
		if weaves.Load() < 5 {
			return abi.Yield
		}
		return abi.Park
	})
	k.RegisterArtifact([]byte(def.Alias))

	_, err := k.Spawn(hostPID, SpawnSpec{
		Args: abi.ProcessSpawnArgs{
			Modules: []abi.ModuleDefinition{def},
			Limits:  abi.ResourceLimits{MemMax: 1 << 20, ComputeMax: 1000},
			Policy:  abi.Dedicated,
		},
		Caps: mustAllCaps(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	deadline := time.Now().Add(4 * time.Second)
	for weaves.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, weaves.Load(), uint64(5), "yield chain kept the worker busy")
}

// Shared processes weave together behind the barrier: one Step runs
// every ready process exactly once.
func TestSharedBarrierStep(t *testing.T) {
	k := newTestKernel(t)

	var total atomic.Uint64
	mk := func() abi.ModuleDefinition {
		return registerModule(abi.ContextManaged, func(engine.Host, *abi.WeaveArgs) abi.Code {
			total.Add(1)
			return abi.Yield
		})
	}
	for i := 0; i < 3; i++ {
		def := mk()
		k.RegisterArtifact([]byte(def.Alias))
		_, err := k.Spawn(hostPID, SpawnSpec{
			Args: abi.ProcessSpawnArgs{
				Modules: []abi.ModuleDefinition{def},
				Limits:  abi.ResourceLimits{MemMax: 1 << 16, ComputeMax: 1000},
				Policy:  abi.Shared,
			},
			Caps: mustAllCaps(),
		})
		require.NoError(t, err)
	}

	ran := k.Step()
	assert.Equal(t, 3, ran)
	assert.Equal(t, uint64(3), total.Load())

	ran = k.Step()
	assert.Equal(t, 3, ran, "yielding processes stay ready")
	assert.Equal(t, uint64(6), total.Load())
}
