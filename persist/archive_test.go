package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/timeline"
)

func TestArchiveRoundTrip(t *testing.T) {
	a, err := Open(":memory:")
	require.NoError(t, err)
	defer a.Close()

	rec := timeline.Record{
		Header: abi.EventHeader{ID: 1, VirtTime: 100, WallTS: 100, Encoding: abi.EncodingRaw},
		Topic:  "sensors/temp",
		Payload: []byte{1, 2, 3},
	}
	require.NoError(t, a.Archive(7, rec))

	rec.Header.ID = 2
	rec.Payload = []byte{4}
	require.NoError(t, a.Archive(7, rec))
	require.NoError(t, a.Archive(8, rec))

	events, err := a.Events(7)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Header.ID)
	assert.Equal(t, []byte{1, 2, 3}, events[0].Payload)
	assert.Equal(t, "sensors/temp", events[0].Topic)
	assert.Equal(t, abi.EventTotalLen(12, 3), events[0].Header.TotalLen)

	other, err := a.Events(9)
	require.NoError(t, err)
	assert.Empty(t, other)
}
