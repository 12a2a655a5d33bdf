package image

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxuan-lang/corevm/api"
)

// buildImage assembles a minimal module image byte slice by hand,
// avoiding any dependency on a writer/assembler (out of scope per spec).
func buildImage(t *testing.T) []byte {
	t.Helper()

	// CommonProperty section body: import_data_count=0, import_function_count=0.
	commonBody := make([]byte, 8)

	// Type section: one type () -> (i32).
	// header: count=1, pad=0
	// item: paramsOff=0 paramsLen=0 resultsOff=0 resultsLen=1
	// data: [wireI32]
	typeBody := make([]byte, 8+16+1)
	binary.LittleEndian.PutUint32(typeBody[0:4], 1)
	binary.LittleEndian.PutUint32(typeBody[8:12], 0)
	binary.LittleEndian.PutUint32(typeBody[12:16], 0)
	binary.LittleEndian.PutUint32(typeBody[16:20], 0)
	binary.LittleEndian.PutUint32(typeBody[20:24], 1)
	typeBody[24] = wireI32

	// LocalVariable section: one empty list.
	localBody := make([]byte, 8+8)
	binary.LittleEndian.PutUint32(localBody[0:4], 1)

	// Function section: one function, type 0, locals list 0, code at [0,4).
	fnBody := make([]byte, 8+16)
	binary.LittleEndian.PutUint32(fnBody[0:4], 1)
	binary.LittleEndian.PutUint32(fnBody[8:12], 0)
	binary.LittleEndian.PutUint32(fnBody[12:16], 0)
	binary.LittleEndian.PutUint32(fnBody[16:20], 0)
	binary.LittleEndian.PutUint32(fnBody[20:24], 4)

	sections := []struct {
		id   SectionID
		body []byte
	}{
		{SectionCommonProperty, commonBody},
		{SectionType, typeBody},
		{SectionLocalVariable, localBody},
		{SectionFunction, fnBody},
	}

	const tocEntrySize = 12
	headerSize := 8 + len(sections)*tocEntrySize
	cursor := headerSize
	toc := make([]byte, 0, len(sections)*tocEntrySize)
	bodies := make([]byte, 0, 64)
	for _, s := range sections {
		entry := make([]byte, tocEntrySize)
		binary.LittleEndian.PutUint32(entry[0:4], uint32(s.id))
		binary.LittleEndian.PutUint32(entry[4:8], uint32(cursor))
		binary.LittleEndian.PutUint32(entry[8:12], uint32(len(s.body)))
		toc = append(toc, entry...)
		bodies = append(bodies, s.body...)
		cursor += len(s.body)
	}

	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(sections)))
	out = append(out, toc...)
	out = append(out, bodies...)
	return out
}

func TestParseMinimalImage(t *testing.T) {
	b := buildImage(t)
	m, err := Parse(b)
	require.NoError(t, err)

	require.EqualValues(t, 0, m.Common.ImportDataCount)
	require.Len(t, m.Types, 1)
	require.Empty(t, m.Types[0].Params)
	require.Equal(t, []api.DataType{api.DataTypeI32}, m.Types[0].Results)

	require.Len(t, m.Functions, 1)
	require.Equal(t, 0, m.Functions[0].TypeIndex)
	require.Equal(t, 4, m.Functions[0].CodeLength)

	require.Len(t, m.LocalVariableLists, 1)
	require.Equal(t, 0, m.LocalVariableLists[0].LocalVariablesLengthInBytes)
}

func TestParseRejectsTruncatedImage(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.Error(t, err)
}
