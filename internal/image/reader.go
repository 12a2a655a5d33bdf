package image

import (
	"encoding/binary"
	"fmt"

	"github.com/xiaoxuan-lang/corevm/api"
)

// valueTypeByte mirrors the wire encoding used by Type section entries.
const (
	wireI32 byte = 0x00
	wireI64 byte = 0x01
	wireF32 byte = 0x02
	wireF64 byte = 0x03
)

func decodeDataType(b byte) (api.DataType, error) {
	switch b {
	case wireI32:
		return api.DataTypeI32, nil
	case wireI64:
		return api.DataTypeI64, nil
	case wireF32:
		return api.DataTypeF32, nil
	case wireF64:
		return api.DataTypeF64, nil
	default:
		return 0, fmt.Errorf("image: unknown wire data type %#x", b)
	}
}

// Module is a non-owning typed view over a module image's raw section
// bytes. Sections not present in a given image decode to their zero
// value (nil slice / zero struct), matching "Core sections required...
// Optional: ..." from spec.md §3.
type Module struct {
	raw []byte

	Common CommonProperty

	Types             []Type
	LocalVariableLists []VariableList
	Functions         []Function
	FunctionCodeArea  []byte

	DataReadOnly  []DataItem
	DataReadOnlyBytes []byte
	DataReadWrite []DataItem
	DataReadWriteBytes []byte
	DataUninit    []DataItem

	Exports []ExportEntry
	Names   []string

	DataIndex     []IndexEntry
	FunctionIndex []IndexEntry

	UnifiedExternalLibraries []UnifiedExternalLibrary
	UnifiedExternalFunctions []UnifiedExternalFunction
	UnifiedExternalTypes     []Type

	EntryPoints []EntryPointEntry

	StartFunctionList []int // public function indices, ascending module-local order
	ExitFunctionList  []int
}

// sectionTOCEntry is how the module image's top-level table of contents
// names each section, preceding the section bodies.
type sectionTOCEntry struct {
	ID     SectionID
	Offset int
	Length int
}

// Parse decodes a module image's raw bytes into a typed Module view.
// b is retained (not copied): the read-only data region aliases it
// directly, per spec.md §4.2.
func Parse(b []byte) (*Module, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("image: too short to contain a section count")
	}
	sectionCount := int(binary.LittleEndian.Uint32(b[0:4]))
	cursor := 8 // 4-byte pad after the u32 count, per spec.md §6.

	m := &Module{raw: b}

	tocSize := 12 // id(4, padded) + offset(4) + length(4) per entry
	entries := make([]sectionTOCEntry, 0, sectionCount)
	for i := 0; i < sectionCount; i++ {
		base := cursor + i*tocSize
		if base+tocSize > len(b) {
			return nil, fmt.Errorf("image: truncated section table of contents")
		}
		id := SectionID(binary.LittleEndian.Uint32(b[base : base+4]))
		off := int(binary.LittleEndian.Uint32(b[base+4 : base+8]))
		length := int(binary.LittleEndian.Uint32(b[base+8 : base+12]))
		entries = append(entries, sectionTOCEntry{ID: id, Offset: off, Length: length})
	}

	for _, e := range entries {
		if e.Offset+e.Length > len(b) {
			return nil, fmt.Errorf("image: section %d out of bounds", e.ID)
		}
		body := b[e.Offset : e.Offset+e.Length]
		if err := m.parseSection(e.ID, body); err != nil {
			return nil, fmt.Errorf("image: section %d: %w", e.ID, err)
		}
	}
	return m, nil
}

func (m *Module) parseSection(id SectionID, body []byte) error {
	switch id {
	case SectionCommonProperty:
		if len(body) < 8 {
			return fmt.Errorf("common property section too short")
		}
		m.Common.ImportDataCount = binary.LittleEndian.Uint32(body[0:4])
		m.Common.ImportFunctionCount = binary.LittleEndian.Uint32(body[4:8])
	case SectionType:
		types, err := parseTypes(body)
		if err != nil {
			return err
		}
		m.Types = types
	case SectionLocalVariable:
		lists, err := parseLocalVariableLists(body)
		if err != nil {
			return err
		}
		m.LocalVariableLists = lists
	case SectionFunction:
		fns, code, err := parseFunctions(body)
		if err != nil {
			return err
		}
		m.Functions = fns
		m.FunctionCodeArea = code
	case SectionDataReadOnly:
		items, data, err := parseDataItems(body)
		if err != nil {
			return err
		}
		m.DataReadOnly, m.DataReadOnlyBytes = items, data
	case SectionDataReadWrite:
		items, data, err := parseDataItems(body)
		if err != nil {
			return err
		}
		m.DataReadWrite, m.DataReadWriteBytes = items, data
	case SectionDataUninit:
		items, _, err := parseDataItems(body)
		if err != nil {
			return err
		}
		m.DataUninit = items
	case SectionDataIndex:
		idx, err := parseIndexEntries(body, true)
		if err != nil {
			return err
		}
		m.DataIndex = idx
	case SectionFunctionIndex:
		idx, err := parseIndexEntries(body, false)
		if err != nil {
			return err
		}
		m.FunctionIndex = idx
	case SectionUnifiedExternalLibrary:
		libs, err := parseUnifiedLibraries(body)
		if err != nil {
			return err
		}
		m.UnifiedExternalLibraries = libs
	case SectionUnifiedExternalFunction:
		fns, err := parseUnifiedFunctions(body)
		if err != nil {
			return err
		}
		m.UnifiedExternalFunctions = fns
	case SectionUnifiedExternalType:
		types, err := parseTypes(body)
		if err != nil {
			return err
		}
		m.UnifiedExternalTypes = types
	case SectionEntryPoint:
		entries, err := parseEntryPoints(body)
		if err != nil {
			return err
		}
		m.EntryPoints = entries
	case SectionStartFunctionList:
		m.StartFunctionList = parseIndexList(body)
	case SectionExitFunctionList:
		m.ExitFunctionList = parseIndexList(body)
	case SectionExport, SectionName, SectionProperty:
		// Optional sections not required by the interpreter core; Parse
		// accepts them and skips their contents, so nothing from them
		// appears on the Module.
	default:
		return fmt.Errorf("unknown section id %d", id)
	}
	return nil
}

func parseTypes(body []byte) ([]Type, error) {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil, err
	}
	types := make([]Type, 0, count)
	itemsEnd := dataStart + count*16 // (paramsOff,paramsLen,resultsOff,resultsLen) u32 each
	if itemsEnd > len(body) {
		return nil, fmt.Errorf("type section items truncated")
	}
	data := body[itemsEnd:]
	for i := 0; i < count; i++ {
		base := dataStart + i*16
		paramsOff := int(binary.LittleEndian.Uint32(body[base : base+4]))
		paramsLen := int(binary.LittleEndian.Uint32(body[base+4 : base+8]))
		resultsOff := int(binary.LittleEndian.Uint32(body[base+8 : base+12]))
		resultsLen := int(binary.LittleEndian.Uint32(body[base+12 : base+16]))

		params, err := decodeDataTypes(data, paramsOff, paramsLen)
		if err != nil {
			return nil, err
		}
		results, err := decodeDataTypes(data, resultsOff, resultsLen)
		if err != nil {
			return nil, err
		}
		types = append(types, Type{Params: params, Results: results})
	}
	return types, nil
}

func decodeDataTypes(data []byte, offset, length int) ([]api.DataType, error) {
	if offset+length > len(data) {
		return nil, fmt.Errorf("value type list out of bounds")
	}
	out := make([]api.DataType, length)
	for i := 0; i < length; i++ {
		dt, err := decodeDataType(data[offset+i])
		if err != nil {
			return nil, err
		}
		out[i] = dt
	}
	return out, nil
}

func parseLocalVariableLists(body []byte) ([]VariableList, error) {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil, err
	}
	lists := make([]VariableList, 0, count)
	itemsEnd := dataStart + count*8
	if itemsEnd > len(body) {
		return nil, fmt.Errorf("local variable section items truncated")
	}
	data := body[itemsEnd:]
	for i := 0; i < count; i++ {
		base := dataStart + i*8
		off, length := readItemOffsetLength(body, base)
		if off+length > len(data) {
			return nil, fmt.Errorf("local variable list out of bounds")
		}
		entries, totalLen, err := parseLocalVariableEntries(data[off : off+length])
		if err != nil {
			return nil, err
		}
		lists = append(lists, VariableList{
			ListOffset:                  off,
			ListLength:                  length,
			LocalVariablesLengthInBytes: totalLen,
			Entries:                     entries,
		})
	}
	return lists, nil
}

func parseLocalVariableEntries(body []byte) ([]LocalVariableEntry, int, error) {
	const entrySize = 12 // offset:u32, length:u32, type:u32(low byte significant)
	if len(body)%entrySize != 0 {
		return nil, 0, fmt.Errorf("local variable entry list misaligned")
	}
	n := len(body) / entrySize
	entries := make([]LocalVariableEntry, 0, n)
	total := 0
	for i := 0; i < n; i++ {
		base := i * entrySize
		off := int(binary.LittleEndian.Uint32(body[base : base+4]))
		length := int(binary.LittleEndian.Uint32(body[base+4 : base+8]))
		dt, err := decodeDataType(body[base+8])
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, LocalVariableEntry{OffsetInSlotArea: off, LengthInBytes: length, DataType: dt})
		end := off + 8 // slots are 8-byte aligned and sized, per spec.md §3.
		if end > total {
			total = end
		}
	}
	return entries, total, nil
}

func parseFunctions(body []byte) ([]Function, []byte, error) {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil, nil, err
	}
	const itemSize = 16 // typeIndex:u32, localListIndex:u32, codeOffset:u32, codeLength:u32
	itemsEnd := dataStart + count*itemSize
	if itemsEnd > len(body) {
		return nil, nil, fmt.Errorf("function section items truncated")
	}
	fns := make([]Function, 0, count)
	for i := 0; i < count; i++ {
		base := dataStart + i*itemSize
		fns = append(fns, Function{
			TypeIndex:      int(binary.LittleEndian.Uint32(body[base : base+4])),
			LocalListIndex: int(binary.LittleEndian.Uint32(body[base+4 : base+8])),
			CodeOffset:     int(binary.LittleEndian.Uint32(body[base+8 : base+12])),
			CodeLength:     int(binary.LittleEndian.Uint32(body[base+12 : base+16])),
		})
	}
	return fns, body[itemsEnd:], nil
}

func parseDataItems(body []byte) ([]DataItem, []byte, error) {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil, nil, err
	}
	const itemSize = 12 // offset:u32, length:u32, align:u32
	itemsEnd := dataStart + count*itemSize
	if itemsEnd > len(body) {
		return nil, nil, fmt.Errorf("data section items truncated")
	}
	items := make([]DataItem, 0, count)
	for i := 0; i < count; i++ {
		base := dataStart + i*itemSize
		items = append(items, DataItem{
			Offset: int(binary.LittleEndian.Uint32(body[base : base+4])),
			Length: int(binary.LittleEndian.Uint32(body[base+4 : base+8])),
			Align:  int(binary.LittleEndian.Uint32(body[base+8 : base+12])),
		})
	}
	return items, body[itemsEnd:], nil
}

func parseIndexEntries(body []byte, withRegion bool) ([]IndexEntry, error) {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil, err
	}
	itemSize := 8
	if withRegion {
		itemSize = 12
	}
	end := dataStart + count*itemSize
	if end > len(body) {
		return nil, fmt.Errorf("index section truncated")
	}
	out := make([]IndexEntry, 0, count)
	for i := 0; i < count; i++ {
		base := dataStart + i*itemSize
		e := IndexEntry{
			TargetModuleIndex:   int(binary.LittleEndian.Uint32(body[base : base+4])),
			TargetInternalIndex: int(binary.LittleEndian.Uint32(body[base+4 : base+8])),
		}
		if withRegion {
			e.Region = int(binary.LittleEndian.Uint32(body[base+8 : base+12]))
		}
		out = append(out, e)
	}
	return out, nil
}

func parseIndexList(body []byte) []int {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil
	}
	out := make([]int, 0, count)
	for i := 0; i < count; i++ {
		base := dataStart + i*4
		if base+4 > len(body) {
			break
		}
		out = append(out, int(binary.LittleEndian.Uint32(body[base:base+4])))
	}
	return out
}

func parseUnifiedLibraries(body []byte) ([]UnifiedExternalLibrary, error) {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil, err
	}
	itemsEnd := dataStart + count*8
	if itemsEnd > len(body) {
		return nil, fmt.Errorf("unified library section truncated")
	}
	data := body[itemsEnd:]
	out := make([]UnifiedExternalLibrary, 0, count)
	for i := 0; i < count; i++ {
		base := dataStart + i*8
		off, length := readItemOffsetLength(body, base)
		if off+length > len(data) {
			return nil, fmt.Errorf("unified library name out of bounds")
		}
		out = append(out, UnifiedExternalLibrary{NameOrPath: string(data[off : off+length])})
	}
	return out, nil
}

func parseUnifiedFunctions(body []byte) ([]UnifiedExternalFunction, error) {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil, err
	}
	const fixedSize = 12 // libraryIndex:u32, typeIndex:u32, (nameOff:u16,nameLen:u16 packed in last u32)
	itemsEnd := dataStart + count*fixedSize
	if itemsEnd > len(body) {
		return nil, fmt.Errorf("unified function section truncated")
	}
	data := body[itemsEnd:]
	out := make([]UnifiedExternalFunction, 0, count)
	for i := 0; i < count; i++ {
		base := dataStart + i*fixedSize
		libIdx := int(binary.LittleEndian.Uint32(body[base : base+4]))
		typeIdx := int(binary.LittleEndian.Uint32(body[base+4 : base+8]))
		nameOff := int(binary.LittleEndian.Uint16(body[base+8 : base+10]))
		nameLen := int(binary.LittleEndian.Uint16(body[base+10 : base+12]))
		if nameOff+nameLen > len(data) {
			return nil, fmt.Errorf("unified function symbol name out of bounds")
		}
		out = append(out, UnifiedExternalFunction{
			LibraryIndex: libIdx,
			TypeIndex:    typeIdx,
			Symbol:       string(data[nameOff : nameOff+nameLen]),
		})
	}
	return out, nil
}

func parseEntryPoints(body []byte) ([]EntryPointEntry, error) {
	count, dataStart, err := readTableHeader(body)
	if err != nil {
		return nil, err
	}
	const fixedSize = 8 // functionIndex:u32, (nameOff:u16,nameLen:u16)
	itemsEnd := dataStart + count*fixedSize
	if itemsEnd > len(body) {
		return nil, fmt.Errorf("entry point section truncated")
	}
	data := body[itemsEnd:]
	out := make([]EntryPointEntry, 0, count)
	for i := 0; i < count; i++ {
		base := dataStart + i*fixedSize
		fnIdx := int(binary.LittleEndian.Uint32(body[base : base+4]))
		nameOff := int(binary.LittleEndian.Uint16(body[base+4 : base+6]))
		nameLen := int(binary.LittleEndian.Uint16(body[base+6 : base+8]))
		if nameOff+nameLen > len(data) {
			return nil, fmt.Errorf("entry point name out of bounds")
		}
		out = append(out, EntryPointEntry{Name: string(data[nameOff : nameOff+nameLen]), PublicFunctionIndex: fnIdx})
	}
	return out, nil
}
