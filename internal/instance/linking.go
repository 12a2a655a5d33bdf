package instance

import (
	"github.com/xiaoxuan-lang/corevm/internal/image"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// LinkingInstance exists only on the main module (index 0). It unifies
// cross-module function and data references and the unified external
// library/type/function tables used by extcall, per spec.md §4.4.
type LinkingInstance struct {
	mainModule *image.Module

	entryPointsByName map[string]int // name -> public function index
}

// NewLinkingInstance builds the linking instance from the main module's
// image. Only module index 0 should ever construct one, per spec.md §4.4.
func NewLinkingInstance(mainModule *image.Module) *LinkingInstance {
	byName := make(map[string]int, len(mainModule.EntryPoints))
	for _, e := range mainModule.EntryPoints {
		byName[e.Name] = e.PublicFunctionIndex
	}
	return &LinkingInstance{mainModule: mainModule, entryPointsByName: byName}
}

// ResolveEntryPoint looks up a user-facing entry name using the naming
// table in spec.md §4.4 (`_start`, `<sub>`, `<sub>::test_X`).
func (l *LinkingInstance) ResolveEntryPoint(name string) (publicFunctionIndex int, err error) {
	idx, ok := l.entryPointsByName[name]
	if !ok {
		return 0, &vmerr.EntryPointNotFoundError{Name: name}
	}
	return idx, nil
}

// EntryPointNames returns every registered entry name, used by the `test`
// CLI command to enumerate `<sub>::test_*` functions.
func (l *LinkingInstance) EntryPointNames() []string {
	names := make([]string, 0, len(l.entryPointsByName))
	for n := range l.entryPointsByName {
		names = append(names, n)
	}
	return names
}

// ResolveFunction maps a caller-local public function index, via the
// main module's function-index section, to (target module, target
// internal index), per spec.md §3.
func (l *LinkingInstance) ResolveFunction(callerPublicIndex int) (targetModule, targetInternal int, err error) {
	idx := l.mainModule.FunctionIndex
	if callerPublicIndex < 0 || callerPublicIndex >= len(idx) {
		return 0, 0, &vmerr.ItemNotFoundError{Kind: "function_index", Index: uint32(callerPublicIndex)}
	}
	e := idx[callerPublicIndex]
	return e.TargetModuleIndex, e.TargetInternalIndex, nil
}

// ResolveData maps a caller-local public data index to (target module,
// region, target internal index).
func (l *LinkingInstance) ResolveData(callerPublicIndex int) (targetModule, targetRegion, targetInternal int, err error) {
	idx := l.mainModule.DataIndex
	if callerPublicIndex < 0 || callerPublicIndex >= len(idx) {
		return 0, 0, 0, &vmerr.ItemNotFoundError{Kind: "data_index", Index: uint32(callerPublicIndex)}
	}
	e := idx[callerPublicIndex]
	return e.TargetModuleIndex, e.Region, e.TargetInternalIndex, nil
}

// UnifiedExternalLibrary returns the unified library entry at index i.
func (l *LinkingInstance) UnifiedExternalLibrary(i int) (image.UnifiedExternalLibrary, error) {
	if i < 0 || i >= len(l.mainModule.UnifiedExternalLibraries) {
		return image.UnifiedExternalLibrary{}, &vmerr.ItemNotFoundError{Kind: "unified_external_library", Index: uint32(i)}
	}
	return l.mainModule.UnifiedExternalLibraries[i], nil
}

// UnifiedExternalFunction returns the unified function entry at index i.
func (l *LinkingInstance) UnifiedExternalFunction(i int) (image.UnifiedExternalFunction, error) {
	if i < 0 || i >= len(l.mainModule.UnifiedExternalFunctions) {
		return image.UnifiedExternalFunction{}, &vmerr.ItemNotFoundError{Kind: "unified_external_function", Index: uint32(i)}
	}
	return l.mainModule.UnifiedExternalFunctions[i], nil
}

// UnifiedExternalType returns the C function type at index i.
func (l *LinkingInstance) UnifiedExternalType(i int) (image.Type, error) {
	if i < 0 || i >= len(l.mainModule.UnifiedExternalTypes) {
		return image.Type{}, &vmerr.ItemNotFoundError{Kind: "unified_external_type", Index: uint32(i)}
	}
	return l.mainModule.UnifiedExternalTypes[i], nil
}
