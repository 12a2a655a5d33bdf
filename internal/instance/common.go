// Package instance implements the module common instance (C5) and the
// module linking instance (C6): the per-module runtime view over a
// parsed image's type/function/local-variable/export tables and its
// three data regions, plus the cross-module index resolution that only
// the main module (index 0) carries.
package instance

import (
	"github.com/xiaoxuan-lang/corevm/api"
	"github.com/xiaoxuan-lang/corevm/internal/image"
	"github.com/xiaoxuan-lang/corevm/internal/region"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// CommonInstance is a non-owning view over a module image: typed section
// references plus the three constructed data regions, per spec.md §4.4.
// It is "non-owning" in the sense that it holds no image bytes of its
// own beyond what *image.Module already aliases; the three data regions
// it owns are constructed fresh per instantiation (read-write/uninit are
// thread-local, per spec.md §5).
type CommonInstance struct {
	Image *image.Module

	ReadOnly  *region.ReadOnlyRegion
	ReadWrite *region.ReadWriteRegion
	Uninit    *region.UninitRegion
	Heap      *region.Heap
}

// NewCommonInstance constructs the three data regions from a parsed
// module image. ReadWrite/Uninit are freshly allocated per call (so that
// per-thread instances never alias), matching "data regions of each
// module are thread-local" (spec.md §5).
func NewCommonInstance(m *image.Module, initialHeapPages int) *CommonInstance {
	ro := region.NewReadOnlyRegion(toItems(m.DataReadOnly), m.DataReadOnlyBytes)

	rw := region.NewReadWriteRegion(toItems(m.DataReadWrite), m.DataReadWriteBytes)

	uninitTotal := 0
	for _, it := range m.DataUninit {
		end := it.Offset + it.Length
		if end > uninitTotal {
			uninitTotal = end
		}
	}
	uninit := region.NewUninitRegion(toItems(m.DataUninit), uninitTotal)

	return &CommonInstance{
		Image:     m,
		ReadOnly:  ro,
		ReadWrite: rw,
		Uninit:    uninit,
		Heap:      region.NewHeap(initialHeapPages),
	}
}

func toItems(items []image.DataItem) []region.Item {
	out := make([]region.Item, len(items))
	for i, it := range items {
		out[i] = region.Item{Offset: it.Offset, Length: it.Length, Align: it.Align}
	}
	return out
}

// FunctionType returns the declared type of internal function index idx.
func (c *CommonInstance) FunctionType(internalIndex int) (*api.FunctionType, error) {
	if internalIndex < 0 || internalIndex >= len(c.Image.Functions) {
		return nil, &vmerr.ItemNotFoundError{Kind: "function", Index: uint32(internalIndex)}
	}
	fn := c.Image.Functions[internalIndex]
	if fn.TypeIndex < 0 || fn.TypeIndex >= len(c.Image.Types) {
		return nil, &vmerr.ItemNotFoundError{Kind: "type", Index: uint32(fn.TypeIndex)}
	}
	t := c.Image.Types[fn.TypeIndex]
	return &api.FunctionType{Params: t.Params, Results: t.Results}, nil
}

// LocalVariables returns the locals layout for internal function index idx.
func (c *CommonInstance) LocalVariables(internalIndex int) (*image.VariableList, error) {
	if internalIndex < 0 || internalIndex >= len(c.Image.Functions) {
		return nil, &vmerr.ItemNotFoundError{Kind: "function", Index: uint32(internalIndex)}
	}
	fn := c.Image.Functions[internalIndex]
	if fn.LocalListIndex < 0 || fn.LocalListIndex >= len(c.Image.LocalVariableLists) {
		return nil, &vmerr.ItemNotFoundError{Kind: "local_variable_list", Index: uint32(fn.LocalListIndex)}
	}
	return &c.Image.LocalVariableLists[fn.LocalListIndex], nil
}

// Code returns the bytecode slice for internal function index idx.
func (c *CommonInstance) Code(internalIndex int) ([]byte, error) {
	if internalIndex < 0 || internalIndex >= len(c.Image.Functions) {
		return nil, &vmerr.ItemNotFoundError{Kind: "function", Index: uint32(internalIndex)}
	}
	fn := c.Image.Functions[internalIndex]
	if fn.CodeOffset+fn.CodeLength > len(c.Image.FunctionCodeArea) {
		return nil, &vmerr.ItemNotFoundError{Kind: "function_code", Index: uint32(internalIndex)}
	}
	return c.Image.FunctionCodeArea[fn.CodeOffset : fn.CodeOffset+fn.CodeLength], nil
}

// ToInternalFunctionIndex converts a public function index (imports + locals) to an
// internal index (locals only), per spec.md §3: internal = public - import_count.
func (c *CommonInstance) ToInternalFunctionIndex(public int) int {
	return public - int(c.Image.Common.ImportFunctionCount)
}

func (c *CommonInstance) ToInternalDataIndex(public int) int {
	return public - int(c.Image.Common.ImportDataCount)
}

// RegionByID selects one of the three data regions by the IndexEntry.Region tag.
func (c *CommonInstance) RegionByID(regionID int) region.IndexedMemory {
	switch regionID {
	case 0:
		return c.ReadOnly
	case 1:
		return c.ReadWrite
	case 2:
		return c.Uninit
	default:
		return nil
	}
}
