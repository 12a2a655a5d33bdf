// Package region implements indexed memory (C2) and the three
// per-module data regions (C3): read-only, read-write, and
// uninitialized-zero-fill.
//
// Bytecode never carries raw addresses derived from VM memory; it
// addresses data through an opaque (index, offset) pair that this
// package resolves against bounds, per spec.md §3 "Indexed access".
package region

import (
	"fmt"

	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// Item describes one data item's placement within a region's backing
// buffer: data_offset and data_length, per spec.md §3.
type Item struct {
	Offset int
	Length int
	// Align is only meaningful for ReadWriteRegion/UninitRegion items.
	Align int
}

// IndexedMemory resolves (index, offset, length) triples to validated
// byte slices over a backing buffer. This is the sole addressing
// abstraction bytecode-reachable opcodes may use.
type IndexedMemory interface {
	// ItemCount returns the number of data items in this region.
	ItemCount() int

	// StartAddress returns the item's data_offset within the region's
	// backing buffer.
	StartAddress(index int) (int, error)

	// Length returns the item's data_length.
	Length(index int) (int, error)

	// Read returns a read-only view of length bytes at (index, offset).
	// Fails if offset+length exceeds the item's data_length.
	Read(index, offset, length int) ([]byte, error)

	// Write is the sole sanctioned mutation path. Fails fatally on
	// out-of-bounds access, and unconditionally on a read-only region.
	Write(index, offset int, src []byte) error
}

func boundsCheck(kind string, index, itemCount, offset, length, dataLength int) error {
	if index < 0 || index >= itemCount {
		return &vmerr.ItemNotFoundError{Kind: kind, Index: uint32(index)}
	}
	if offset < 0 || length < 0 || offset+length > dataLength {
		return fmt.Errorf("%s[%d]: access offset=%d length=%d exceeds data_length=%d",
			kind, index, offset, length, dataLength)
	}
	return nil
}

// baseRegion factors the bounds-checked slicing shared by all three
// concrete region kinds; it does not by itself decide mutability.
type baseRegion struct {
	kind  string
	items []Item
	data  []byte
}

func (r *baseRegion) ItemCount() int { return len(r.items) }

func (r *baseRegion) StartAddress(index int) (int, error) {
	if index < 0 || index >= len(r.items) {
		return 0, &vmerr.ItemNotFoundError{Kind: r.kind, Index: uint32(index)}
	}
	return r.items[index].Offset, nil
}

func (r *baseRegion) Length(index int) (int, error) {
	if index < 0 || index >= len(r.items) {
		return 0, &vmerr.ItemNotFoundError{Kind: r.kind, Index: uint32(index)}
	}
	return r.items[index].Length, nil
}

func (r *baseRegion) Read(index, offset, length int) ([]byte, error) {
	if index < 0 || index >= len(r.items) {
		return nil, &vmerr.ItemNotFoundError{Kind: r.kind, Index: uint32(index)}
	}
	item := r.items[index]
	if err := boundsCheck(r.kind, index, len(r.items), offset, length, item.Length); err != nil {
		return nil, err
	}
	base := item.Offset + offset
	return r.data[base : base+length], nil
}

// ReadOnlyRegion aliases the module image's bytes directly; it owns no
// buffer of its own. Any call to a mutating path is a programmer error,
// not a runtime trap to be caught, per spec.md §4.2.
type ReadOnlyRegion struct {
	base baseRegion
}

// NewReadOnlyRegion constructs a region that aliases imageBytes without
// copying. imageBytes must outlive the region (it is owned by the
// module image).
func NewReadOnlyRegion(items []Item, imageBytes []byte) *ReadOnlyRegion {
	return &ReadOnlyRegion{base: baseRegion{kind: "data.ro", items: items, data: imageBytes}}
}

func (r *ReadOnlyRegion) ItemCount() int                               { return r.base.ItemCount() }
func (r *ReadOnlyRegion) StartAddress(index int) (int, error)          { return r.base.StartAddress(index) }
func (r *ReadOnlyRegion) Length(index int) (int, error)                { return r.base.Length(index) }
func (r *ReadOnlyRegion) Read(index, offset, length int) ([]byte, error) {
	return r.base.Read(index, offset, length)
}

// Write always fails: read-only regions reject any mutation path at
// construction. Calling it is a programmer error.
func (r *ReadOnlyRegion) Write(index, offset int, src []byte) error {
	panic(vmerr.ErrReadOnlyMutation)
}

// ReadWriteRegion owns a private, mutable copy of its initial data.
// Modeled as a distinct type (not a discriminated union with
// ReadOnlyRegion) so read-only aliasing to the image is never
// accidentally shared with a mutable buffer.
type ReadWriteRegion struct {
	base baseRegion
}

// NewReadWriteRegion copies initial out of the module image so that
// per-thread instances never alias each other or the image.
func NewReadWriteRegion(items []Item, initial []byte) *ReadWriteRegion {
	owned := make([]byte, len(initial))
	copy(owned, initial)
	return &ReadWriteRegion{base: baseRegion{kind: "data.rw", items: items, data: owned}}
}

func (r *ReadWriteRegion) ItemCount() int                      { return r.base.ItemCount() }
func (r *ReadWriteRegion) StartAddress(index int) (int, error) { return r.base.StartAddress(index) }
func (r *ReadWriteRegion) Length(index int) (int, error)       { return r.base.Length(index) }
func (r *ReadWriteRegion) Read(index, offset, length int) ([]byte, error) {
	return r.base.Read(index, offset, length)
}

func (r *ReadWriteRegion) Write(index, offset int, src []byte) error {
	if index < 0 || index >= len(r.base.items) {
		return &vmerr.ItemNotFoundError{Kind: r.base.kind, Index: uint32(index)}
	}
	item := r.base.items[index]
	if err := boundsCheck(r.base.kind, index, len(r.base.items), offset, len(src), item.Length); err != nil {
		return err
	}
	base := item.Offset + offset
	copy(r.base.data[base:base+len(src)], src)
	return nil
}

// UninitRegion is zero-filled at instantiation and otherwise behaves
// exactly like ReadWriteRegion.
type UninitRegion struct {
	base baseRegion
}

// NewUninitRegion allocates totalLength zeroed bytes (Go's make already
// zero-fills, matching "zeroed on instantiation" from spec.md §3).
func NewUninitRegion(items []Item, totalLength int) *UninitRegion {
	return &UninitRegion{base: baseRegion{kind: "data.uninit", items: items, data: make([]byte, totalLength)}}
}

func (r *UninitRegion) ItemCount() int                      { return r.base.ItemCount() }
func (r *UninitRegion) StartAddress(index int) (int, error) { return r.base.StartAddress(index) }
func (r *UninitRegion) Length(index int) (int, error)       { return r.base.Length(index) }
func (r *UninitRegion) Read(index, offset, length int) ([]byte, error) {
	return r.base.Read(index, offset, length)
}

func (r *UninitRegion) Write(index, offset int, src []byte) error {
	if index < 0 || index >= len(r.base.items) {
		return &vmerr.ItemNotFoundError{Kind: r.base.kind, Index: uint32(index)}
	}
	item := r.base.items[index]
	if err := boundsCheck(r.base.kind, index, len(r.base.items), offset, len(src), item.Length); err != nil {
		return err
	}
	base := item.Offset + offset
	copy(r.base.data[base:base+len(src)], src)
	return nil
}

var (
	_ IndexedMemory = (*ReadOnlyRegion)(nil)
	_ IndexedMemory = (*ReadWriteRegion)(nil)
	_ IndexedMemory = (*UninitRegion)(nil)
)
