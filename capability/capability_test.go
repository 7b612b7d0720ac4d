package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/filament/abi"
)

func mustSet(t *testing.T, grants ...Grant) *Set {
	t.Helper()
	s, err := NewSet(grants...)
	require.NoError(t, err)
	return s
}

func TestAllowsExactAndPrefix(t *testing.T) {
	s := mustSet(t, Grant{
		URN:            "urn:filament:cap:telemetry",
		OutboundTopics: []string{"filament/core/log", "sensors/*"},
		InboundTopics:  []string{"filament/time/fire"},
	})

	assert.True(t, s.Allows("filament/core/log", Outbound))
	assert.True(t, s.Allows("sensors/temp/3", Outbound))
	assert.False(t, s.Allows("sensors", Outbound))
	assert.False(t, s.Allows("filament/core/log", Inbound))
	assert.True(t, s.Allows("filament/time/fire", Inbound))
}

func TestAllowsHostFunc(t *testing.T) {
	s := mustSet(t, Grant{URN: "urn:filament:cap:mem", HostFuncs: []string{"blob_alloc", "blob_map"}})
	assert.True(t, s.AllowsHostFunc("blob_alloc"))
	assert.False(t, s.AllowsHostFunc("process_spawn"))
}

func TestSubsetOf(t *testing.T) {
	parent := mustSet(t, Grant{
		URN:            "urn:filament:cap:root",
		OutboundTopics: []string{"sensors/*", "filament/kv/set"},
		HostFuncs:      []string{"write", "blob_alloc"},
	})

	child := mustSet(t, Grant{
		URN:            "urn:filament:cap:leaf",
		OutboundTopics: []string{"sensors/temp/*", "filament/kv/set"},
		HostFuncs:      []string{"write"},
	})
	assert.True(t, child.SubsetOf(parent))

	escalated := mustSet(t, Grant{
		URN:            "urn:filament:cap:leaf",
		OutboundTopics: []string{"actuators/motor"},
	})
	assert.False(t, escalated.SubsetOf(parent))

	widerPrefix := mustSet(t, Grant{
		URN:            "urn:filament:cap:leaf",
		OutboundTopics: []string{"sensors/*", "sensors/temp/*"},
	})
	assert.True(t, widerPrefix.SubsetOf(parent))
}

func TestPinnedDetection(t *testing.T) {
	s := mustSet(t,
		Grant{URN: "urn:filament:cap:a"},
		Grant{URN: "urn:filament:cap:hw", Affinity: Pinned},
	)
	assert.True(t, s.HasPinned())
	assert.False(t, mustSet(t, Grant{URN: "urn:filament:cap:a"}).HasPinned())
}

func TestRejectsBadTopics(t *testing.T) {
	_, err := NewSet(Grant{URN: "urn:x", OutboundTopics: []string{"bad\x00topic"}})
	assert.ErrorIs(t, err, abi.ErrInvalid)
	_, err = NewSet(Grant{URN: ""})
	assert.ErrorIs(t, err, abi.ErrInvalid)
}
