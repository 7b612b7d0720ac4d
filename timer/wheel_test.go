package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireOrderAndSkew(t *testing.T) {
	w := NewWheel()
	w.Schedule(1, 300)
	w.Schedule(2, 100)
	w.Schedule(3, 200)

	fires := w.Advance(250)
	require.Len(t, fires, 2)
	assert.Equal(t, uint64(2), fires[0].PID)
	assert.Equal(t, uint64(150), fires[0].Skew)
	assert.Equal(t, uint64(3), fires[1].PID)

	fires = w.Advance(300)
	require.Len(t, fires, 1)
	assert.Equal(t, uint64(1), fires[0].PID)
	assert.Zero(t, fires[0].Skew)
	assert.Zero(t, w.Pending())
}

func TestPastTargetFiresNextAdvance(t *testing.T) {
	w := NewWheel()
	w.Schedule(1, 50)
	fires := w.Advance(1000)
	require.Len(t, fires, 1)
	assert.Equal(t, uint64(950), fires[0].Skew)
}

func TestTieBreakIsInsertionOrder(t *testing.T) {
	w := NewWheel()
	w.Schedule(7, 100)
	w.Schedule(8, 100)
	fires := w.Advance(100)
	require.Len(t, fires, 2)
	assert.Equal(t, uint64(7), fires[0].PID)
	assert.Equal(t, uint64(8), fires[1].PID)
}

func TestCancelProcess(t *testing.T) {
	w := NewWheel()
	w.Schedule(1, 100)
	w.Schedule(2, 100)
	w.Schedule(1, 200)

	assert.Equal(t, 2, w.CancelProcess(1))
	fires := w.Advance(500)
	require.Len(t, fires, 1)
	assert.Equal(t, uint64(2), fires[0].PID)
}
