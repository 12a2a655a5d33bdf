package stack

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxuan-lang/corevm/api"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

func TestPushPopPreservesValues(t *testing.T) {
	s := New()
	s.PushI32(40)
	s.PushI32(2)
	require.EqualValues(t, 2, s.PopI32())
	require.EqualValues(t, 40, s.PopI32())
}

func TestAllocateFrameMovesArgsAndZeroFillsLocals(t *testing.T) {
	s := New()
	s.PushI32(11)
	s.PushI32(13)

	ft := &api.FunctionType{Params: []api.DataType{api.DataTypeI32, api.DataTypeI32}, Results: []api.DataType{api.DataTypeI32}}
	s.AllocateFrame(FrameKindFunction, ft, 16, 2, ProgramCounter{InstructionAddress: 4}, 0)

	require.Equal(t, 0, s.Height())
	frame := s.CurrentFrame()
	require.NotNil(t, frame)
	require.Equal(t, 2, frame.ArgsCount)
	require.Equal(t, 16, frame.LocalsLengthInBytes)
}

func TestFunctionCallReturnsResultsOverFrame(t *testing.T) {
	s := New()
	s.PushI32(40)
	s.PushI32(2)

	ft := &api.FunctionType{Params: []api.DataType{api.DataTypeI32, api.DataTypeI32}, Results: []api.DataType{api.DataTypeI32}}
	returnPC := ProgramCounter{InstructionAddress: 99, ModuleIndex: 0, FunctionInternalIdx: 7}
	s.AllocateFrame(FrameKindFunction, ft, 0, 2, returnPC, 1)

	a := s.PopI32()
	b := s.PopI32()
	s.PushI32(a + b)

	pc := s.PopFrame(1)
	require.Equal(t, returnPC, pc)
	require.EqualValues(t, 42, s.PopI32())
	require.Equal(t, 0, s.Depth())
}

func TestNestedBlockBreakExitsAllLevels(t *testing.T) {
	s := New()
	ft := &api.FunctionType{}
	fnPC := ProgramCounter{InstructionAddress: 1000}
	s.AllocateFrame(FrameKindFunction, ft, 0, 0, fnPC, 0)

	blockPC := ProgramCounter{InstructionAddress: 10}
	s.AllocateFrame(FrameKindBlock, ft, 0, 0, blockPC, 0)
	s.AllocateFrame(FrameKindBlock, ft, 0, 0, blockPC, 0)

	s.PushI32(7)
	pc := s.Break(2, 1) // break out of both blocks AND the function
	require.Equal(t, fnPC, pc)
	require.EqualValues(t, 7, s.PopI32())
}

func TestResetToFrameForTailIteration(t *testing.T) {
	s := New()
	ft := &api.FunctionType{Params: []api.DataType{api.DataTypeI32}}
	s.PushI32(0)
	s.AllocateFrame(FrameKindBlock, ft, 8, 1, ProgramCounter{}, 0)

	s.PushI32(1)
	s.ResetToFrame(0, 1)

	require.Equal(t, 0, s.Height())
	require.EqualValues(t, 8, s.CurrentFrame().LocalsLengthInBytes)
}

func TestStackOverflowPanicsPastCeiling(t *testing.T) {
	s := New()
	require.PanicsWithValue(t, vmerr.ErrStackOverflow, func() {
		for i := 0; i < (MaxSizeInBytes/8)+10; i++ {
			s.PushI32(int32(i))
		}
	})
}

func TestStackOverflowPanicsOnUnboundedFrameRecursion(t *testing.T) {
	s := New()
	ft := &api.FunctionType{}
	require.PanicsWithValue(t, vmerr.ErrStackOverflow, func() {
		for i := 0; i < maxFrames+10; i++ {
			// Zero args and zero locals push no operand slots, so only a
			// frame-count ceiling (not the byte ceiling) can catch this.
			s.AllocateFrame(FrameKindFunction, ft, 0, 0, ProgramCounter{}, 0)
		}
	})
}

func TestPopOperandsToMemoryReturnsContiguousSlots(t *testing.T) {
	s := New()
	s.PushI32(1)
	s.PushI32(2)
	s.PushI32(3)
	got := s.PopOperandsToMemory(2)
	require.Len(t, got, 2)
	require.Equal(t, 1, s.Height())
}
