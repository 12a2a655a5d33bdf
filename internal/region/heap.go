package region

import "fmt"

// MemoryPageSizeInBytes is the page granularity heap resize operates on,
// grounded on original_source's MEMORY_PAGE_SIZE_IN_BYTES constant.
const MemoryPageSizeInBytes = 64 * 1024

// Heap is the fifth module-indexed memory named in spec.md §1: a single
// growable buffer addressed directly by byte offset (not by per-item
// index like the three data regions) since it backs dynamic allocation.
// It only grows; resize to fewer pages than the current capacity is a
// no-op, matching "heap pages only grow on explicit resize" (spec.md §3).
type Heap struct {
	data []byte
}

// NewHeap allocates initPages pages of zeroed memory.
func NewHeap(initPages int) *Heap {
	return &Heap{data: make([]byte, initPages*MemoryPageSizeInBytes)}
}

// CapacityPages returns the current capacity in pages.
func (h *Heap) CapacityPages() int { return len(h.data) / MemoryPageSizeInBytes }

// Resize grows the heap to newSizePages pages, zero-filling the new
// tail. Shrinking is a no-op and returns the unchanged current capacity,
// matching the original's Allocator::resize contract of monotonic growth.
func (h *Heap) Resize(newSizePages int) int {
	if newSizePages <= h.CapacityPages() {
		return h.CapacityPages()
	}
	newLen := newSizePages * MemoryPageSizeInBytes
	grown := make([]byte, newLen)
	copy(grown, h.data)
	h.data = grown
	return newSizePages
}

// bounds validates that [address, address+length) lies within the heap.
func (h *Heap) bounds(address, length int) error {
	if address < 0 || length < 0 || address+length > len(h.data) {
		return fmt.Errorf("heap: access address=%d length=%d exceeds capacity=%d", address, length, len(h.data))
	}
	return nil
}

// Read returns a slice view of length bytes starting at address.
func (h *Heap) Read(address, length int) ([]byte, error) {
	if err := h.bounds(address, length); err != nil {
		return nil, err
	}
	return h.data[address : address+length], nil
}

// Write copies src into the heap at address.
func (h *Heap) Write(address int, src []byte) error {
	if err := h.bounds(address, len(src)); err != nil {
		return err
	}
	copy(h.data[address:address+len(src)], src)
	return nil
}

// Fill sets count bytes starting at address to value, mirroring the
// original's Heap::fill used by the `heap_fill` envcall/opcode.
func (h *Heap) Fill(address int, value byte, count int) error {
	if err := h.bounds(address, count); err != nil {
		return err
	}
	region := h.data[address : address+count]
	for i := range region {
		region[i] = value
	}
	return nil
}

// Copy moves lengthInBytes bytes from srcAddress to dstAddress, handling
// overlap the way Go's builtin copy does (Go's copy is already
// overlap-safe in the forward direction, matching the original's
// split-at-mut + directional copy).
func (h *Heap) Copy(dstAddress, srcAddress, lengthInBytes int) error {
	if err := h.bounds(srcAddress, lengthInBytes); err != nil {
		return err
	}
	if err := h.bounds(dstAddress, lengthInBytes); err != nil {
		return err
	}
	copy(h.data[dstAddress:dstAddress+lengthInBytes], h.data[srcAddress:srcAddress+lengthInBytes])
	return nil
}
