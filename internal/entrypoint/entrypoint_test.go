package entrypoint

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxuan-lang/corevm/internal/capability"
	"github.com/xiaoxuan-lang/corevm/internal/image"
	"github.com/xiaoxuan-lang/corevm/internal/interpreter"
	"github.com/xiaoxuan-lang/corevm/internal/vmcontext"
)

// The fixture builder below mirrors internal/vmcontext's own test
// fixture byte-for-byte against image.Parse's section layouts; each
// package keeps its own small fixture rather than exporting one purely
// for tests.

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

type rawSection struct {
	id   image.SectionID
	body []byte
}

func assembleImage(sections []rawSection) []byte {
	tocSize := 12
	header := append(u32le(uint32(len(sections))), u32le(0)...)
	bodiesStart := len(header) + len(sections)*tocSize

	var toc, bodies []byte
	cursor := bodiesStart
	for _, s := range sections {
		toc = append(toc, u32le(uint32(s.id))...)
		toc = append(toc, u32le(uint32(cursor))...)
		toc = append(toc, u32le(uint32(len(s.body)))...)
		bodies = append(bodies, s.body...)
		cursor += len(s.body)
	}

	out := append(header, toc...)
	out = append(out, bodies...)
	return out
}

// buildProgramImage assembles a module with three functions: an entry
// ("_start", public 0) returning entryResult, a start-function (public
// 1) and an exit-function (public 2) that both return nothing. Every
// function shares one empty local-variable list.
func buildProgramImage(entryResult int32) []byte {
	code0 := append([]byte{byte(interpreter.OpImmI32)}, u32le(uint32(entryResult))...)
	code0 = append(code0, byte(interpreter.OpReturn))
	code0 = append(code0, u32le(1)...)

	code1 := append([]byte{byte(interpreter.OpReturn)}, u32le(0)...)
	code2 := append([]byte{byte(interpreter.OpReturn)}, u32le(0)...)

	codeArea := append(append([]byte{}, code0...), code1...)
	codeArea = append(codeArea, code2...)

	var sections []rawSection

	sections = append(sections, rawSection{image.SectionCommonProperty, append(u32le(0), u32le(0)...)})

	// Types: type0 results=[I32], type1 results=[].
	typeBody := append(u32le(2), u32le(0)...) // item_count, pad
	typeBody = append(typeBody, u32le(0)...)  // type0 params_offset
	typeBody = append(typeBody, u32le(0)...)  // type0 params_length
	typeBody = append(typeBody, u32le(0)...)  // type0 results_offset
	typeBody = append(typeBody, u32le(1)...)  // type0 results_length
	typeBody = append(typeBody, u32le(0)...)  // type1 params_offset
	typeBody = append(typeBody, u32le(0)...)  // type1 params_length
	typeBody = append(typeBody, u32le(1)...)  // type1 results_offset (shares data area)
	typeBody = append(typeBody, u32le(0)...)  // type1 results_length
	typeBody = append(typeBody, byte(0x00))   // data area: one wireI32 byte for type0's result
	sections = append(sections, rawSection{image.SectionType, typeBody})

	// One empty local-variable list, reused by every function.
	localBody := append(u32le(1), u32le(0)...)
	localBody = append(localBody, u32le(0)...) // list offset
	localBody = append(localBody, u32le(0)...) // list length
	sections = append(sections, rawSection{image.SectionLocalVariable, localBody})

	fnBody := append(u32le(3), u32le(0)...)
	fnBody = append(fnBody, u32le(0)...)                          // func0 type_index
	fnBody = append(fnBody, u32le(0)...)                          // func0 local_list_index
	fnBody = append(fnBody, u32le(0)...)                          // func0 code_offset
	fnBody = append(fnBody, u32le(uint32(len(code0)))...)         // func0 code_length
	fnBody = append(fnBody, u32le(1)...)                          // func1 type_index
	fnBody = append(fnBody, u32le(0)...)                          // func1 local_list_index
	fnBody = append(fnBody, u32le(uint32(len(code0)))...)         // func1 code_offset
	fnBody = append(fnBody, u32le(uint32(len(code1)))...)         // func1 code_length
	fnBody = append(fnBody, u32le(1)...)                          // func2 type_index
	fnBody = append(fnBody, u32le(0)...)                          // func2 local_list_index
	fnBody = append(fnBody, u32le(uint32(len(code0)+len(code1)))...) // func2 code_offset
	fnBody = append(fnBody, u32le(uint32(len(code2)))...)         // func2 code_length
	fnBody = append(fnBody, codeArea...)
	sections = append(sections, rawSection{image.SectionFunction, fnBody})

	// FunctionIndex: public 0/1/2 -> internal 0/1/2, all in module 0.
	fiBody := append(u32le(3), u32le(0)...)
	for i := 0; i < 3; i++ {
		fiBody = append(fiBody, u32le(0)...)           // target_module_index
		fiBody = append(fiBody, u32le(uint32(i))...) // target_internal_index
	}
	sections = append(sections, rawSection{image.SectionFunctionIndex, fiBody})

	// Entry points: "_start" -> public 0.
	name := "_start"
	epBody := append(u32le(1), u32le(0)...)
	epBody = append(epBody, u32le(0)...)
	epBody = append(epBody, u16le(0)...)
	epBody = append(epBody, u16le(uint16(len(name)))...)
	epBody = append(epBody, []byte(name)...)
	sections = append(sections, rawSection{image.SectionEntryPoint, epBody})

	// Start/exit function lists: public 1 / public 2.
	startBody := append(u32le(1), u32le(0)...)
	startBody = append(startBody, u32le(1)...)
	sections = append(sections, rawSection{image.SectionStartFunctionList, startBody})

	exitBody := append(u32le(1), u32le(0)...)
	exitBody = append(exitBody, u32le(2)...)
	sections = append(sections, rawSection{image.SectionExitFunctionList, exitBody})

	return assembleImage(sections)
}

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func TestStartProgramRunsStartAndExitListsAroundEntry(t *testing.T) {
	img := buildProgramImage(7)
	pc, err := vmcontext.NewProcessContext([][]byte{img}, "/bin/program", nil, &capability.Capability{}, nil)
	require.NoError(t, err)

	code, err := StartProgram(pc, "_start", nil)
	require.NoError(t, err)
	require.EqualValues(t, 7, code)
}

func TestStartProgramUnknownEntryFails(t *testing.T) {
	img := buildProgramImage(0)
	pc, err := vmcontext.NewProcessContext([][]byte{img}, "/bin/program", nil, &capability.Capability{}, nil)
	require.NoError(t, err)

	_, err = StartProgram(pc, "missing", nil)
	require.Error(t, err)
}

func TestRunEntryDirectlyBypassesFunctionLists(t *testing.T) {
	img := buildProgramImage(0)
	pc, err := vmcontext.NewProcessContext([][]byte{img}, "/bin/program", nil, &capability.Capability{}, nil)
	require.NoError(t, err)

	result, err := RunEntry(pc, "_start", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, result)
}
