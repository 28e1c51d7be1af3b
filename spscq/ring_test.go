package spscq

import (
	"fmt"
	"testing"

	"github.com/alephtx/tcpshm/wire"
	"github.com/stretchr/testify/require"
)

func openTestRing(t *testing.T, capacity uint64) *Ring {
	t.Helper()
	name := fmt.Sprintf("tcpshm_test_%s.shm", t.Name())
	r, err := Open(name, capacity, wire.LittleEndian)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func writeMsg(t *testing.T, r *Ring, payload []byte) {
	t.Helper()
	frame, ok := r.Alloc(uint16(len(payload)))
	require.True(t, ok)
	copy(frame[wire.HeaderSize:], payload)
	r.Push()
}

func TestAllocPushFrontPop(t *testing.T) {
	r := openTestRing(t, 4)
	writeMsg(t, r, []byte("hi"))

	h, payload, ok := r.Front()
	require.True(t, ok)
	require.Equal(t, "hi", string(payload))
	r.Pop(h.Size)

	_, _, ok = r.Front()
	require.False(t, ok)
}

func TestFIFOOrder(t *testing.T) {
	r := openTestRing(t, 8)
	writeMsg(t, r, []byte("one"))
	writeMsg(t, r, []byte("two"))
	writeMsg(t, r, []byte("three"))

	for _, want := range []string{"one", "two", "three"} {
		h, payload, ok := r.Front()
		require.True(t, ok)
		require.Equal(t, want, string(payload))
		r.Pop(h.Size)
	}
	_, _, ok := r.Front()
	require.False(t, ok)
}

func TestAllocFailsWhenFull(t *testing.T) {
	r := openTestRing(t, 2) // 2 cells total, one cell-sized message each
	_, ok := r.Alloc(56)    // header(8) + 56 = 64 = one cell
	require.True(t, ok)
	r.Push()
	_, ok = r.Alloc(56)
	require.True(t, ok)
	r.Push()
	_, ok = r.Alloc(1)
	require.False(t, ok, "ring is full, Alloc must fail")
}

func TestWrapAroundSentinel(t *testing.T) {
	r := openTestRing(t, 4) // 4 cells = 256 bytes
	// first message takes 3 cells (leaves 1 cell at the tail)
	writeMsg(t, r, make([]byte, 3*CellSize-wire.HeaderSize))
	h1, _, ok := r.Front()
	require.True(t, ok)
	r.Pop(h1.Size)

	// second message needs 2 cells: only 1 remains at the tail, so
	// Alloc must place a sentinel there and wrap to index 0.
	writeMsg(t, r, make([]byte, 2*CellSize-wire.HeaderSize))

	h2, _, ok := r.Front()
	require.True(t, ok)
	require.NotZero(t, h2.Size)
	r.Pop(h2.Size)

	_, _, ok = r.Front()
	require.False(t, ok)
}

func TestCapacityMustBePowerOfTwo(t *testing.T) {
	_, err := Open("tcpshm_test_bad_capacity.shm", 3, wire.LittleEndian)
	require.Error(t, err)
}
