package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/filament/abi"
)

func TestAllocBillsQuota(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 20)

	h, err := table.Alloc(1, 4096, 0, acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), acct.Used())

	require.NoError(t, table.Free(h))
	assert.Equal(t, uint64(0), acct.Used())
}

func TestAllocRoundsUpToMinimum(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 20)

	h, err := table.Alloc(1, 16, 0, acct)
	require.NoError(t, err)
	size, err := table.Size(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(abi.MinBlobBytes), size)
}

func TestAllocOverBudget(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1024)

	_, err := table.Alloc(1, 4096, 0, acct)
	assert.ErrorIs(t, err, abi.ErrOOM)
	assert.Equal(t, uint64(0), acct.Used())
}

func TestDMARequiredWithoutPool(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 22)

	_, err := table.Alloc(1, 1<<20, DMARequired, acct)
	assert.ErrorIs(t, err, abi.ErrOOM)

	// Optional falls back to standard memory, even with both bits set.
	h, err := table.Alloc(1, 1<<20, DMARequired|DMAOptional, acct)
	require.NoError(t, err)
	_, err = table.Map(h, 1, PermRead)
	assert.NoError(t, err)
}

func TestDMAPoolExhaustion(t *testing.T) {
	table := NewTable(NewPool(4096, 1))
	acct := NewAccount(1 << 20)

	_, err := table.Alloc(1, 4096, DMARequired, acct)
	require.NoError(t, err)
	_, err = table.Alloc(1, 4096, DMARequired, acct)
	assert.ErrorIs(t, err, abi.ErrOOM)
}

func TestMapPermissions(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 20)

	h, err := table.Alloc(1, 256, 0, acct)
	require.NoError(t, err)

	// Owner holds read-write.
	_, err = table.Map(h, 1, PermRead|PermWrite)
	require.NoError(t, err)
	_, err = table.Map(h, 1, PermExec)
	assert.ErrorIs(t, err, abi.ErrPerm)

	// Stranger holds nothing.
	_, err = table.Map(h, 2, PermRead)
	assert.ErrorIs(t, err, abi.ErrPerm)

	// A transferred read-only reference allows read, not write.
	require.NoError(t, table.AddRef(h, 2, PermRead))
	_, err = table.Map(h, 2, PermRead)
	assert.NoError(t, err)
	_, err = table.Map(h, 2, PermRead|PermWrite)
	assert.ErrorIs(t, err, abi.ErrPerm)
}

func TestDropLastRefFrees(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 20)

	h, err := table.Alloc(1, 256, 0, acct)
	require.NoError(t, err)
	require.NoError(t, table.DropRef(h, 1))

	_, err = table.Map(h, 1, PermRead)
	assert.ErrorIs(t, err, abi.ErrNotFound)
	assert.Equal(t, uint64(0), acct.Used())
}

func TestRetainedSurvivesZeroRefs(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 20)

	h, err := table.Alloc(1, 256, Retained, acct)
	require.NoError(t, err)
	require.NoError(t, table.DropRef(h, 1))
	assert.Equal(t, 1, table.Live())
}

func TestJournalCommitAppliesRetain(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 20)
	j := NewJournal(table, 1)

	h, err := j.Alloc(256, 0, acct)
	require.NoError(t, err)
	require.NoError(t, j.Retain(h))
	assert.False(t, table.Retained(h), "retain is provisional before commit")

	require.NoError(t, j.Commit(nil))
	assert.True(t, table.Retained(h))

	assert.Equal(t, 0, table.DropEphemerals(1))
}

func TestJournalDiscardRevertsEverything(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 20)
	j := NewJournal(table, 1)

	h, err := j.Alloc(256, 0, acct)
	require.NoError(t, err)
	require.NoError(t, j.Retain(h))
	j.Discard()

	assert.Equal(t, 0, table.Live())
	assert.Equal(t, uint64(0), acct.Used())
}

func TestEphemeralCollection(t *testing.T) {
	table := NewTable(nil)
	acct := NewAccount(1 << 20)
	j := NewJournal(table, 1)

	ephemeral, err := j.Alloc(256, 0, acct)
	require.NoError(t, err)
	committed, err := j.Alloc(256, 0, acct)
	require.NoError(t, err)

	require.NoError(t, j.Commit([]uint64{committed}))
	assert.Equal(t, 1, table.DropEphemerals(1))

	_, err = table.Size(ephemeral)
	assert.ErrorIs(t, err, abi.ErrNotFound)
	_, err = table.Size(committed)
	assert.NoError(t, err)
}
