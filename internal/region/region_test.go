package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriteRegionWriteThenRead(t *testing.T) {
	items := []Item{{Offset: 0, Length: 8}, {Offset: 8, Length: 16}}
	r := NewReadWriteRegion(items, make([]byte, 24))

	require.NoError(t, r.Write(1, 4, []byte{1, 2, 3, 4}))
	got, err := r.Read(1, 4, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestReadWriteRegionOutOfBounds(t *testing.T) {
	items := []Item{{Offset: 0, Length: 4}}
	r := NewReadWriteRegion(items, make([]byte, 4))

	err := r.Write(0, 2, []byte{1, 2, 3})
	require.Error(t, err)

	_, err = r.Read(0, 0, 5)
	require.Error(t, err)

	_, err = r.Read(5, 0, 1)
	require.Error(t, err)
}

func TestUninitRegionIsZeroed(t *testing.T) {
	items := []Item{{Offset: 0, Length: 8}}
	r := NewUninitRegion(items, 8)
	got, err := r.Read(0, 0, 8)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 8), got)
}

func TestReadOnlyRegionAliasesImageBytes(t *testing.T) {
	image := []byte{10, 20, 30, 40}
	items := []Item{{Offset: 0, Length: 4}}
	r := NewReadOnlyRegion(items, image)

	got, err := r.Read(0, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{20, 30}, got)

	require.Panics(t, func() { _ = r.Write(0, 0, []byte{1}) })
}

func TestHeapGrowsAndZeroFills(t *testing.T) {
	h := NewHeap(1)
	require.Equal(t, 1, h.CapacityPages())
	require.NoError(t, h.Write(0, []byte{1, 2, 3}))

	newCap := h.Resize(2)
	require.Equal(t, 2, newCap)

	got, err := h.Read(0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	tail, err := h.Read(MemoryPageSizeInBytes, 4)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4), tail)
}

func TestHeapResizeNeverShrinks(t *testing.T) {
	h := NewHeap(4)
	got := h.Resize(1)
	require.Equal(t, 4, got)
	require.Equal(t, 4, h.CapacityPages())
}

func TestHeapFillAndCopy(t *testing.T) {
	h := NewHeap(1)
	require.NoError(t, h.Fill(0, 0xAB, 4))
	got, _ := h.Read(0, 4)
	require.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB}, got)

	require.NoError(t, h.Copy(100, 0, 4))
	got, _ = h.Read(100, 4)
	require.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB}, got)
}
