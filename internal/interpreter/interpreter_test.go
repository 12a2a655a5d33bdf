package interpreter

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxuan-lang/corevm/api"
	"github.com/xiaoxuan-lang/corevm/internal/image"
	"github.com/xiaoxuan-lang/corevm/internal/instance"
	"github.com/xiaoxuan-lang/corevm/internal/stack"
)

// fakeEnv is a single-module Env good enough to drive Run in isolation,
// without needing a real vmcontext.ThreadContext.
type fakeEnv struct {
	st      *stack.Stack
	common  *instance.CommonInstance
	linking *instance.LinkingInstance
}

func (e *fakeEnv) Stack() *stack.Stack { return e.st }
func (e *fakeEnv) CommonInstance(moduleIndex int) (*instance.CommonInstance, error) {
	return e.common, nil
}
func (e *fakeEnv) Linking() (*instance.LinkingInstance, error) { return e.linking, nil }
func (e *fakeEnv) DoEnvCall(code uint32) error                 { return nil }
func (e *fakeEnv) DoSysCall(argCount int) error                { return nil }
func (e *fakeEnv) DoExtCall(unifiedIndex uint32) error          { return nil }

func imm32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func newSingleFunctionEnv(t *testing.T, code []byte, ft image.Type, localsLength int) *fakeEnv {
	t.Helper()
	m := &image.Module{
		Types:              []image.Type{ft},
		LocalVariableLists: []image.VariableList{{LocalVariablesLengthInBytes: localsLength}},
		Functions: []image.Function{
			{TypeIndex: 0, LocalListIndex: 0, CodeOffset: 0, CodeLength: len(code)},
		},
		FunctionCodeArea: code,
	}
	ci := instance.NewCommonInstance(m, 0)
	return &fakeEnv{st: stack.New(), common: ci, linking: instance.NewLinkingInstance(m)}
}

func TestIntegerAddAndReturn(t *testing.T) {
	code := []byte{}
	code = append(code, byte(OpImmI32))
	code = append(code, imm32(40)...)
	code = append(code, byte(OpImmI32))
	code = append(code, imm32(2)...)
	code = append(code, byte(OpI32Add))
	code = append(code, byte(OpReturn))
	code = append(code, u32(1)...)

	ft := image.Type{Results: []api.DataType{api.DataTypeI32}}
	env := newSingleFunctionEnv(t, code, ft, 0)

	results, err := Run(env, 0, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 42, api.DecodeI32(results[0]))
}

func TestDivideByZeroTraps(t *testing.T) {
	code := []byte{}
	code = append(code, byte(OpImmI32))
	code = append(code, imm32(1)...)
	code = append(code, byte(OpImmI32))
	code = append(code, imm32(0)...)
	code = append(code, byte(OpI32DivS))
	code = append(code, byte(OpReturn))
	code = append(code, u32(1)...)

	ft := image.Type{Results: []api.DataType{api.DataTypeI32}}
	env := newSingleFunctionEnv(t, code, ft, 0)

	_, err := Run(env, 0, 0)
	require.Error(t, err)
}

func TestUnreachableTraps(t *testing.T) {
	code := []byte{byte(OpUnreachable)}
	ft := image.Type{}
	env := newSingleFunctionEnv(t, code, ft, 0)

	_, err := Run(env, 0, 0)
	require.Error(t, err)
}

func TestLocalStoreThenLoadRoundTrips(t *testing.T) {
	// local slot area is 8 bytes wide (one i32 local, padded to a slot).
	code := []byte{}
	code = append(code, byte(OpImmI32))
	code = append(code, imm32(99)...)
	code = append(code, byte(OpLocalStoreI32))
	code = append(code, u32(0)...)
	code = append(code, u32(0)...)
	code = append(code, byte(OpLocalLoadI32))
	code = append(code, u32(0)...)
	code = append(code, u32(0)...)
	code = append(code, byte(OpReturn))
	code = append(code, u32(1)...)

	ft := image.Type{Results: []api.DataType{api.DataTypeI32}}
	env := newSingleFunctionEnv(t, code, ft, 8)

	results, err := Run(env, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 99, api.DecodeI32(results[0]))
}

func TestTailCallReplacesFrameAndReturnsCalleeResult(t *testing.T) {
	// Function A (internal 0, the entry): imm_i32 41; tail_call public#0 argsCount=1.
	// Public index 0 resolves (via FunctionIndex) to function B (internal 1).
	codeA := []byte{}
	codeA = append(codeA, byte(OpImmI32))
	codeA = append(codeA, imm32(41)...)
	codeA = append(codeA, byte(OpTailCall))
	codeA = append(codeA, u32(0)...) // target public index
	codeA = append(codeA, u32(1)...) // argsCount

	// Function B (internal 1): local_load_i32 0; imm_i32 1; i32_add; return 1.
	codeB := []byte{}
	codeB = append(codeB, byte(OpLocalLoadI32))
	codeB = append(codeB, u32(0)...)
	codeB = append(codeB, u32(0)...)
	codeB = append(codeB, byte(OpImmI32))
	codeB = append(codeB, imm32(1)...)
	codeB = append(codeB, byte(OpI32Add))
	codeB = append(codeB, byte(OpReturn))
	codeB = append(codeB, u32(1)...)

	typeA := image.Type{Results: []api.DataType{api.DataTypeI32}}
	typeB := image.Type{Params: []api.DataType{api.DataTypeI32}, Results: []api.DataType{api.DataTypeI32}}

	m := &image.Module{
		Types:              []image.Type{typeA, typeB},
		LocalVariableLists: []image.VariableList{{}, {LocalVariablesLengthInBytes: 8}},
		Functions: []image.Function{
			{TypeIndex: 0, LocalListIndex: 0, CodeOffset: 0, CodeLength: len(codeA)},
			{TypeIndex: 1, LocalListIndex: 1, CodeOffset: len(codeA), CodeLength: len(codeB)},
		},
		FunctionCodeArea: append(codeA, codeB...),
		FunctionIndex:    []image.IndexEntry{{TargetModuleIndex: 0, TargetInternalIndex: 1}},
	}
	ci := instance.NewCommonInstance(m, 0)
	env := &fakeEnv{st: stack.New(), common: ci, linking: instance.NewLinkingInstance(m)}

	results, err := Run(env, 0, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 42, api.DecodeI32(results[0]))
}

func TestBlockBreakSkipsRemainderOfBlock(t *testing.T) {
	// block (type 0: () -> (i32)) { imm_i32 5; break 0; imm_i32 999 }
	// followed by imm_i32 7; i32_add; return
	blockBody := []byte{}
	blockBody = append(blockBody, byte(OpImmI32))
	blockBody = append(blockBody, imm32(5)...)
	blockBody = append(blockBody, byte(OpBreak))
	blockBody = append(blockBody, u32(0)...)
	blockBody = append(blockBody, byte(OpImmI32))
	blockBody = append(blockBody, imm32(999)...) // dead code: never reached.

	code := []byte{}
	code = append(code, byte(OpBlock))
	code = append(code, u32(0)...) // type index: blockType, () -> (i32), is index 0 of the UNIFIED types slice below.
	code = append(code, u32(0)...) // locals list index: unused by blocks.
	code = append(code, u32(uint32(len(blockBody)))...)
	code = append(code, blockBody...)
	code = append(code, byte(OpImmI32))
	code = append(code, imm32(7)...)
	code = append(code, byte(OpI32Add))
	code = append(code, byte(OpReturn))
	code = append(code, u32(1)...)

	// Block's declared type must itself have one result (the i32 the
	// break leaves behind) to match the enclosing add.
	blockType := image.Type{Results: []api.DataType{api.DataTypeI32}}
	outerType := image.Type{Results: []api.DataType{api.DataTypeI32}}

	m := &image.Module{
		Types:              []image.Type{blockType, outerType},
		LocalVariableLists: []image.VariableList{{}},
		Functions: []image.Function{
			{TypeIndex: 1, LocalListIndex: 0, CodeOffset: 0, CodeLength: len(code)},
		},
		FunctionCodeArea: code,
	}
	ci := instance.NewCommonInstance(m, 0)
	env := &fakeEnv{st: stack.New(), common: ci, linking: instance.NewLinkingInstance(m)}

	results, err := Run(env, 0, 0)
	require.NoError(t, err)
	require.EqualValues(t, 12, api.DecodeI32(results[0]))
}
