package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/filament/abi"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	buf, err := Encode(v)
	require.NoError(t, err)
	require.Equal(t, 0, len(buf)%8, "encoded buffer must stay 8-aligned")
	got, err := Decode(buf)
	require.NoError(t, err)
	return got
}

func TestScalarRoundTrip(t *testing.T) {
	assert.Equal(t, Unit(), roundTrip(t, Unit()))
	assert.Equal(t, Bool(true), roundTrip(t, Bool(true)))
	assert.Equal(t, I64(-42), roundTrip(t, I64(-42)))
	assert.Equal(t, U64(1<<63), roundTrip(t, U64(1<<63)))
	assert.Equal(t, F64(3.25), roundTrip(t, F64(3.25)))
	assert.Equal(t, Str("héllo"), roundTrip(t, Str("héllo")))
	assert.Equal(t, Bytes([]byte{1, 2, 3}), roundTrip(t, Bytes([]byte{1, 2, 3})))
}

func TestNaNCanonicalization(t *testing.T) {
	buf, err := Encode(F64(math.Float64frombits(0x7FF0000000000001)))
	require.NoError(t, err)
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7FF8000000000000), math.Float64bits(got.F64))
}

func TestNestedRoundTrip(t *testing.T) {
	v := Map(
		Pair{Key: "id", Val: U64(7)},
		Pair{Key: "tags", Val: List(Str("a"), Str("b"))},
		Pair{Key: "payload", Val: Blob(BlobRef{Handle: 99, Size: 4096})},
	)
	got := roundTrip(t, v)
	assert.Equal(t, v, got)

	id, ok := got.Get("id")
	require.True(t, ok)
	assert.Equal(t, uint64(7), id.U64)
}

func TestBlobHandles(t *testing.T) {
	v := List(
		Blob(BlobRef{Handle: 1}),
		Map(Pair{Key: "inner", Val: Blob(BlobRef{Handle: 2})}),
	)
	assert.Equal(t, []uint64{1, 2}, v.BlobHandles())
}

func TestDepthLimit(t *testing.T) {
	v := U64(1)
	for i := 0; i < abi.MaxRecursion; i++ {
		v = List(v)
	}
	_, err := Encode(v)
	assert.ErrorIs(t, err, abi.ErrInvalid)
}

func TestDecodeRejectsBadPointers(t *testing.T) {
	buf, err := Encode(Str("hello"))
	require.NoError(t, err)

	// Point the string past the end of the buffer.
	buf[8] = 0xFF
	buf[9] = 0xFF
	_, err = Decode(buf)
	assert.ErrorIs(t, err, abi.ErrInvalid)
}

func TestDecodeRejectsBadTag(t *testing.T) {
	buf, err := Encode(Unit())
	require.NoError(t, err)
	buf[0] = 0xEE
	_, err = Decode(buf)
	assert.ErrorIs(t, err, abi.ErrInvalid)
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	buf, err := Encode(Str("ok"))
	require.NoError(t, err)
	buf[abi.SizeValue] = 0xFF // corrupt the string body
	_, err = Decode(buf)
	assert.ErrorIs(t, err, abi.ErrInvalid)
}

func TestExpect(t *testing.T) {
	buf, err := Encode(U64(1))
	require.NoError(t, err)
	assert.NoError(t, Expect(buf, TagU64))
	assert.ErrorIs(t, Expect(buf, TagMap), abi.ErrType)
}

func TestRelocationSurvivesCopy(t *testing.T) {
	v := Map(Pair{Key: "k", Val: List(Str("deep"), U64(5))})
	buf, err := Encode(v)
	require.NoError(t, err)

	// Pointers are buffer-relative, so a whole-buffer copy into fresh
	// memory must decode identically.
	dst := make([]byte, len(buf))
	copy(dst, buf)
	got, err := Decode(dst)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}
