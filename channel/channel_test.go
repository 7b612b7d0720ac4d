package channel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/blob"
	"github.com/najoast/filament/value"
)

func newTestRegistry(t *testing.T) (*Registry, *blob.Table, *blob.Account) {
	t.Helper()
	table := blob.NewTable(nil)
	return NewRegistry(table), table, blob.NewAccount(1 << 24)
}

func TestCreateGeneratesReservedURI(t *testing.T) {
	reg, _, acct := newTestRegistry(t)
	r, err := reg.Create(3, abi.ChannelDefinition{Capacity: 2, MsgSize: 64}, acct)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.URI(), abi.NamespaceChannel))
	assert.Equal(t, uint64(128), acct.Used())

	r2, err := reg.Create(3, abi.ChannelDefinition{Capacity: 2, MsgSize: 64}, acct)
	require.NoError(t, err)
	assert.NotEqual(t, r.URI(), r2.URI())
}

func TestBackpressure(t *testing.T) {
	reg, _, acct := newTestRegistry(t)
	r, err := reg.Create(1, abi.ChannelDefinition{Capacity: 2, MsgSize: 64}, acct)
	require.NoError(t, err)

	require.NoError(t, r.Write(Message{Data: []byte("one")}))
	require.NoError(t, r.Write(Message{Data: []byte("two")}))
	assert.ErrorIs(t, r.Write(Message{Data: []byte("three")}), abi.ErrIO)

	msg, ok, err := r.TryRead(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), msg.Data)

	assert.NoError(t, r.Write(Message{Data: []byte("three")}))
}

func TestOversizeWrite(t *testing.T) {
	reg, _, acct := newTestRegistry(t)
	r, err := reg.Create(1, abi.ChannelDefinition{Capacity: 2, MsgSize: 8}, acct)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Write(Message{Data: make([]byte, 9)}), abi.ErrInvalid)
}

func TestBlobRefTransfer(t *testing.T) {
	reg, table, acct := newTestRegistry(t)
	r, err := reg.Create(1, abi.ChannelDefinition{Capacity: 2, MsgSize: 64}, acct)
	require.NoError(t, err)

	h, err := table.Alloc(1, 256, 0, acct)
	require.NoError(t, err)

	require.NoError(t, r.Write(Message{Data: []byte("ref"), Blobs: []uint64{h}}))
	// Producer can release; the in-flight reference keeps the blob alive.
	require.NoError(t, table.DropRef(h, 1))
	_, err = table.Size(h)
	require.NoError(t, err)

	msg, ok, err := r.TryRead(2)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = table.Map(msg.Blobs[0], 2, blob.PermRead)
	assert.NoError(t, err)
}

func TestDestroyWakesReadersAndReleasesRefs(t *testing.T) {
	reg, table, acct := newTestRegistry(t)
	r, err := reg.Create(1, abi.ChannelDefinition{Capacity: 2, MsgSize: 64}, acct)
	require.NoError(t, err)

	// A blocked reader needs an empty ring, so the pending blob rides on
	// a second channel that nobody reads before it is destroyed.
	pending, err := reg.Create(1, abi.ChannelDefinition{Capacity: 2, MsgSize: 64}, acct)
	require.NoError(t, err)

	h, err := table.Alloc(1, 256, 0, acct)
	require.NoError(t, err)
	require.NoError(t, pending.Write(Message{Data: []byte("pending"), Blobs: []uint64{h}}))
	require.NoError(t, table.DropRef(h, 1))

	// Park a reader on the empty tail of the ring.
	_, _, err = r.TryRead(2)
	require.NoError(t, err)
	readerErr := make(chan error, 1)
	go func() {
		_, err := r.Read(context.Background(), 2)
		readerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	before := acct.Used()
	require.NoError(t, reg.Destroy(r.URI()))
	require.NoError(t, reg.Destroy(pending.URI()))

	select {
	case err := <-readerErr:
		assert.ErrorIs(t, err, abi.ErrNotFound)
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not woken")
	}

	// Ring budget credited and the pending blob freed with its last ref.
	assert.Less(t, acct.Used(), before)
	_, err = table.Size(h)
	assert.ErrorIs(t, err, abi.ErrNotFound)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	reg, _, acct := newTestRegistry(t)
	r, err := reg.Create(1, abi.ChannelDefinition{Capacity: 8, MsgSize: 16}, acct)
	require.NoError(t, err)

	const total = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	received := 0

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sent := 0
			for sent < total/4 {
				if err := r.Write(Message{Data: []byte("m")}); err == nil {
					sent++
				}
			}
		}()
	}
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if received == total {
					mu.Unlock()
					return
				}
				mu.Unlock()
				if msg, ok, _ := r.TryRead(2); ok {
					assert.Len(t, msg.Data, 1, "no partial reads")
					mu.Lock()
					received++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, total, received)
	assert.Equal(t, 0, r.Len())
}

func TestTypedPayloadCheck(t *testing.T) {
	reg, _, acct := newTestRegistry(t)
	r, err := reg.Create(1, abi.ChannelDefinition{
		SchemaURI: "schemas/sensor-reading",
		RootType:  uint32(value.TagMap),
		Capacity:  2,
		MsgSize:   256,
	}, acct)
	require.NoError(t, err)

	good, err := value.Encode(value.Map(value.Pair{Key: "v", Val: value.U64(1)}))
	require.NoError(t, err)
	assert.NoError(t, r.CheckPayload(good))

	bad, err := value.Encode(value.U64(1))
	require.NoError(t, err)
	assert.ErrorIs(t, r.CheckPayload(bad), abi.ErrType)
}
