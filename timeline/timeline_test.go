package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/filament/abi"
)

func appendN(t *testing.T, tl *Timeline, topic string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tl.Append(Record{Topic: topic, Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}
}

func TestTicksStrictlyMonotonic(t *testing.T) {
	tl := New(Strict{})
	appendN(t, tl, "a", 5)
	for tick := uint64(1); tick <= 5; tick++ {
		rec, err := tl.Get(tick)
		require.NoError(t, err)
		assert.Equal(t, tick, rec.Header.ID)
	}
	assert.Equal(t, uint64(5), tl.LastTick())
}

func TestStrictRejectsModification(t *testing.T) {
	tl := New(Strict{})
	appendN(t, tl, "a", 1)
	assert.ErrorIs(t, tl.Prune(1), abi.ErrPerm)
	assert.ErrorIs(t, tl.Redact(1), abi.ErrPerm)
}

func TestPrunableWatermark(t *testing.T) {
	tl := New(Prunable{})
	appendN(t, tl, "a", 10)
	require.NoError(t, tl.Prune(4))

	_, err := tl.Get(4)
	assert.ErrorIs(t, err, abi.ErrNotFound)
	rec, err := tl.Get(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Header.ID, "ids never shift on prune")

	// Watermark only advances.
	require.NoError(t, tl.Prune(2))
	assert.Equal(t, uint64(4), tl.Watermark())
	assert.ErrorIs(t, tl.Redact(5), abi.ErrPerm)
}

func TestMutableRedaction(t *testing.T) {
	tl := New(Mutable{})
	tick, err := tl.Append(Record{Topic: "secret", Payload: []byte("password")})
	require.NoError(t, err)

	require.NoError(t, tl.Redact(tick))
	rec, err := tl.Get(tick)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), rec.Payload, "payload zeroed, length kept")
	assert.Equal(t, tick, rec.Header.ID)
	assert.NotZero(t, rec.Header.Flags&abi.EventFlagRedacted)
	assert.ErrorIs(t, tl.Prune(tick), abi.ErrPerm)
}

func TestCursorBatching(t *testing.T) {
	tl := New(Strict{})
	appendN(t, tl, "topic", 3)

	one := int(abi.EventTotalLen(5, 1))
	c := tl.Open(CursorOptions{})

	// Buffer for two: partial events are never written.
	dst := make([]byte, 2*one)
	n, count, err := c.Next(dst)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2*one, n)

	rec, used, err := DecodeRecord(dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Header.ID)
	rec2, _, err := DecodeRecord(dst[used:])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec2.Header.ID)

	n, count, err = c.Next(dst)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, one, n)

	// EOF: zero count, nil error.
	n, count, err = c.Next(dst)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, count)
}

func TestCursorTooSmallBuffer(t *testing.T) {
	tl := New(Strict{})
	appendN(t, tl, "topic", 1)
	c := tl.Open(CursorOptions{})
	_, _, err := c.Next(make([]byte, 16))
	assert.ErrorIs(t, err, abi.ErrOOM)
}

func TestCursorTopicFilterAndBounds(t *testing.T) {
	tl := New(Strict{})
	appendN(t, tl, "sensors/temp", 3)
	appendN(t, tl, "actuators/fan", 2)

	c := tl.Open(CursorOptions{TopicPrefix: "sensors/", Start: 2})
	dst := make([]byte, 4096)
	_, count, err := c.Next(dst)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "ticks 2 and 3 of sensors/temp")
}

func TestCursorDescending(t *testing.T) {
	tl := New(Strict{})
	appendN(t, tl, "a", 3)
	c := tl.Open(CursorOptions{Descending: true})
	dst := make([]byte, 4096)
	n, count, err := c.Next(dst)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	rec, used, err := DecodeRecord(dst[:n])
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Header.ID)
	rec, _, err = DecodeRecord(dst[used:n])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Header.ID)
}

func TestPruneInvalidatesCursor(t *testing.T) {
	tl := New(Prunable{})
	appendN(t, tl, "a", 20)

	c := tl.Open(CursorOptions{Start: 10})
	require.NoError(t, tl.Prune(15))

	_, _, err := c.Next(make([]byte, 4096))
	assert.ErrorIs(t, err, abi.ErrNotFound)

	// Invalidation is sticky.
	_, _, err = c.Next(make([]byte, 4096))
	assert.ErrorIs(t, err, abi.ErrNotFound)
}

func TestTopicIndexSurvivesPrune(t *testing.T) {
	tl := New(Prunable{})
	appendN(t, tl, "a", 3)
	appendN(t, tl, "b", 2)

	require.NoError(t, tl.Prune(4))
	assert.Equal(t, []uint64{1, 2, 3}, tl.TopicTicks("a"), "indices never compacted")
	assert.Equal(t, []uint64{4, 5}, tl.TopicTicks("b"))
}

func TestFingerprintStableAcrossReads(t *testing.T) {
	tl := New(Strict{})
	appendN(t, tl, "a", 4)
	before := tl.Fingerprint()

	c := tl.Open(CursorOptions{})
	_, _, err := c.Next(make([]byte, 4096))
	require.NoError(t, err)
	assert.Equal(t, before, tl.Fingerprint())
}
