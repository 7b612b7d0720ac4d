package abi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnArgsRoundTrip(t *testing.T) {
	args := ProcessSpawnArgs{
		Modules: []ModuleDefinition{
			{Alias: "ingest", Context: ContextLogic, Pooling: Stateless, MemLimit: 1 << 16},
			{Alias: "publish", Context: ContextManaged, MemLimit: 1 << 14},
		},
		Channels: []ChannelDefinition{
			{SchemaURI: "schemas/reading", Capacity: 8, MsgSize: 256, Direction: DirectionOutbound, RootType: 7},
		},
		Limits: ResourceLimits{MemMax: 1 << 20, ComputeMax: 1000, TimeBudget: 2000},
		Policy: Dedicated,
		Flags:  SpawnEscalate,
	}
	args.Modules[0].Digest[0] = 0xAA
	args.Modules[1].Digest[31] = 0xBB

	buf, err := EncodeSpawnArgs(args)
	require.NoError(t, err)
	require.Equal(t, 0, len(buf)%8)

	got, err := DecodeSpawnArgs(buf)
	require.NoError(t, err)
	assert.Equal(t, args, got)

	// Pointers are buffer-relative: a copied buffer decodes identically.
	dup := append([]byte(nil), buf...)
	got2, err := DecodeSpawnArgs(dup)
	require.NoError(t, err)
	assert.Equal(t, args, got2)
}

func TestSpawnArgsRejectsBadPointers(t *testing.T) {
	args := ProcessSpawnArgs{
		Modules: []ModuleDefinition{{Alias: "m"}},
		Limits:  ResourceLimits{MemMax: 1},
	}
	buf, err := EncodeSpawnArgs(args)
	require.NoError(t, err)

	buf[0] = 0xFF // corrupt the module array pointer
	buf[1] = 0xFF
	_, err = DecodeSpawnArgs(buf)
	assert.ErrorIs(t, err, ErrInvalid)
}
