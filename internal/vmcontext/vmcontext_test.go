package vmcontext

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxuan-lang/corevm/api"
	"github.com/xiaoxuan-lang/corevm/internal/capability"
	"github.com/xiaoxuan-lang/corevm/internal/envcall"
	"github.com/xiaoxuan-lang/corevm/internal/image"
	"github.com/xiaoxuan-lang/corevm/internal/interpreter"
)

// buildMinimalImage assembles a minimal single-module image byte-for-byte
// compatible with image.Parse, used as a fixture across this package's
// tests without needing the (out-of-scope) assembler front-end. The
// top-level layout (section_count:u32, pad:u32, TOC[12 bytes each: id,
// offset, length], then concatenated section bodies) and each section's
// internal layout mirror image/reader.go's parse functions exactly.
func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
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

func buildMinimalImage(t *testing.T, entryCode []byte, entryResults []api.DataType, dataReadWrite []byte) []byte {
	t.Helper()

	var sections []rawSection

	// SectionCommonProperty: import_data_count=0, import_function_count=0.
	sections = append(sections, rawSection{image.SectionCommonProperty, append(u32le(0), u32le(0)...)})

	// SectionType: one type, no params, entryResults results.
	typeBody := append(u32le(1), u32le(0)...) // item_count, pad
	typeBody = append(typeBody, u32le(0)...)   // params_offset
	typeBody = append(typeBody, u32le(0)...)   // params_length
	typeBody = append(typeBody, u32le(0)...)   // results_offset
	typeBody = append(typeBody, u32le(uint32(len(entryResults)))...)
	for _, r := range entryResults {
		typeBody = append(typeBody, byte(r))
	}
	sections = append(sections, rawSection{image.SectionType, typeBody})

	// SectionLocalVariable: one empty list.
	localBody := append(u32le(1), u32le(0)...) // item_count, pad
	localBody = append(localBody, u32le(0)...) // list offset
	localBody = append(localBody, u32le(0)...) // list length
	sections = append(sections, rawSection{image.SectionLocalVariable, localBody})

	// SectionFunction: one function, type_index=0, local_list_index=0.
	fnBody := append(u32le(1), u32le(0)...) // item_count, pad
	fnBody = append(fnBody, u32le(0)...)     // type_index
	fnBody = append(fnBody, u32le(0)...)     // local_list_index
	fnBody = append(fnBody, u32le(0)...)     // code_offset
	fnBody = append(fnBody, u32le(uint32(len(entryCode)))...)
	fnBody = append(fnBody, entryCode...)
	sections = append(sections, rawSection{image.SectionFunction, fnBody})

	if len(dataReadWrite) > 0 {
		rwBody := append(u32le(1), u32le(0)...) // item_count, pad
		rwBody = append(rwBody, u32le(0)...)     // item offset
		rwBody = append(rwBody, u32le(uint32(len(dataReadWrite)))...)
		rwBody = append(rwBody, u32le(0)...) // align
		rwBody = append(rwBody, dataReadWrite...)
		sections = append(sections, rawSection{image.SectionDataReadWrite, rwBody})

		diBody := append(u32le(1), u32le(0)...) // item_count, pad
		diBody = append(diBody, u32le(0)...)     // target_module_index
		diBody = append(diBody, u32le(0)...)     // target_internal_index
		diBody = append(diBody, u32le(1)...)     // region = read-write
		sections = append(sections, rawSection{image.SectionDataIndex, diBody})
	}

	// SectionEntryPoint: "_start" -> public function index 0.
	name := "_start"
	epBody := append(u32le(1), u32le(0)...) // item_count, pad
	epBody = append(epBody, u32le(0)...)    // public_function_index
	epBody = append(epBody, u16le(0)...)    // name_offset
	epBody = append(epBody, u16le(uint16(len(name)))...)
	epBody = append(epBody, []byte(name)...)
	sections = append(sections, rawSection{image.SectionEntryPoint, epBody})

	return assembleImage(sections)
}

func TestNewProcessContextParsesMainModule(t *testing.T) {
	code := []byte{byte(interpreter.OpImmI32)}
	code = append(code, u32le(7)...)
	code = append(code, byte(interpreter.OpReturn))
	code = append(code, u32le(1)...)

	img := buildMinimalImage(t, code, []api.DataType{api.DataTypeI32}, nil)

	pc, err := NewProcessContext([][]byte{img}, "/bin/program", nil, &capability.Capability{}, nil)
	require.NoError(t, err)
	require.NotNil(t, pc.MainLinking())

	publicIdx, err := pc.MainLinking().ResolveEntryPoint("_start")
	require.NoError(t, err)
	require.Equal(t, 0, publicIdx)
}

func TestThreadContextRandomRangeStaysInBounds(t *testing.T) {
	code := []byte{byte(interpreter.OpUnreachable)}
	img := buildMinimalImage(t, code, nil, nil)
	pc, err := NewProcessContext([][]byte{img}, "", nil, &capability.Capability{}, nil)
	require.NoError(t, err)

	tc := pc.RootThread(nil)
	for i := 0; i < 50; i++ {
		v := tc.RandomRangeI32(10, 20)
		require.GreaterOrEqual(t, v, int32(10))
		require.Less(t, v, int32(20))
	}
}

func TestThreadContextReadWriteBytesRoundTrip(t *testing.T) {
	code := []byte{byte(interpreter.OpUnreachable)}
	img := buildMinimalImage(t, code, nil, make([]byte, 16))
	pc, err := NewProcessContext([][]byte{img}, "", nil, &capability.Capability{}, nil)
	require.NoError(t, err)

	tc := pc.RootThread(nil)
	require.NoError(t, tc.WriteBytes(0, 0, []byte("hello")))
	got, err := tc.ReadBytes(0, 0, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestEnvcallDispatchRuntimeName(t *testing.T) {
	code := []byte{byte(interpreter.OpUnreachable)}
	img := buildMinimalImage(t, code, nil, make([]byte, 16))
	pc, err := NewProcessContext([][]byte{img}, "", nil, &capability.Capability{}, nil)
	require.NoError(t, err)

	tc := pc.RootThread(nil)
	tc.Stack().PushI32(0)  // data_index
	tc.Stack().PushI32(0)  // offset
	tc.Stack().PushI32(16) // max_length

	require.NoError(t, envcall.Dispatch(tc, envcall.RuntimeName))
	n := tc.Stack().PopI32()
	require.EqualValues(t, len(tc.RuntimeName()), n)

	got, err := tc.ReadBytes(0, 0, int(n))
	require.NoError(t, err)
	require.Equal(t, tc.RuntimeName(), string(got))
}

func TestPipeSendReceiveRoundTrips(t *testing.T) {
	p := newPipe()
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.send([]byte("ping"))
	}()
	got := p.receive()
	require.Equal(t, "ping", string(got))
}

func TestPipeReceiveOnClosedEmptyPipeReturnsZeroLength(t *testing.T) {
	p := newPipe()
	p.close()
	got := p.receive()
	require.Len(t, got, 0)
}
