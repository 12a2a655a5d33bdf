// Package stack implements the operand stack and frame descriptors (C4):
// a typed, dynamically-growing slot array with strict frame bookkeeping
// for nested blocks and function calls, per spec.md §4.3.
package stack

import (
	"github.com/xiaoxuan-lang/corevm/api"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// Size constants, grounded on original_source's
// crates/stack/src/lib.rs INIT_STACK_SIZE_IN_BYTES / MAX_STACK_SIZE_IN_BYTES.
const (
	InitSizeInBytes = 64 * 1024
	MaxSizeInBytes  = 8 * 1024 * 1024
	slotSize        = 8

	// frameDescriptorCost approximates the bytes a Frame would have cost
	// had it been stored inline in the slot array, the way
	// original_source's crates/stack/src/lib.rs does it. This Go port
	// keeps frame descriptors in a separate slice for ease of typed
	// field access, which would otherwise let recursion with no operands
	// (e.g. a zero-arg, zero-local self-call) grow s.frames forever
	// without ever touching MaxSizeInBytes. maxFrames charges every
	// frame against the same byte budget so that case still traps
	// vmerr.ErrStackOverflow.
	frameDescriptorCost = 64
	maxFrames           = MaxSizeInBytes / frameDescriptorCost
)

// ProgramCounter locates the next instruction to execute. It is a triple
// rather than a single address because modules are independent objects
// and functions are addressed by index, per spec.md §3 "Stack layout".
type ProgramCounter struct {
	InstructionAddress  int
	ModuleIndex         int
	FunctionInternalIdx int
}

// FrameKind distinguishes function-call frames (which reset
// FunctionInternalIndex and own a locals area) from block frames (which
// share the same descriptor layout but declare no locals beyond the
// block's own operands).
type FrameKind byte

const (
	FrameKindFunction FrameKind = iota
	FrameKindBlock
)

// Frame is the descriptor pushed on every call/block entry, per the
// "Stack layout" diagram in spec.md §3.
type Frame struct {
	ReturnPC            ProgramCounter
	PreviousFP          int
	Kind                FrameKind
	FunctionType        *api.FunctionType
	ArgsCount           int
	LocalsLengthInBytes int
	FunctionInternalIdx int

	// BodyStart is where a block frame's body begins; OpRecur jumps here
	// rather than to ReturnPC (which is where a break lands, after the
	// block ends). Unused by function-kind frames.
	BodyStart ProgramCounter

	// localsStart is the slot index (not byte offset) where this frame's
	// local-variable area begins; used by local-access opcodes.
	localsStart int
}

// Stack is the frame-based operand stack. Slots are always 8 bytes
// regardless of the value's declared type; slotType records the type a
// slot was pushed with so pops can assert it matches the opcode's
// expectation, per the "every operand slot... is read by a typed pop"
// invariant in spec.md §3.
type Stack struct {
	slots     []uint64
	slotTypes []api.DataType
	top       int // number of live slots

	frames []Frame
	fp     int // slot index of the current frame's descriptor base
}

// New constructs a stack with InitSizeInBytes/slotSize capacity.
func New() *Stack {
	cap0 := InitSizeInBytes / slotSize
	return &Stack{
		slots:     make([]uint64, cap0),
		slotTypes: make([]api.DataType, cap0),
		fp:        -1,
	}
}

func (s *Stack) ensureCapacity(extra int) {
	need := s.top + extra
	if need <= len(s.slots) {
		return
	}
	maxSlots := MaxSizeInBytes / slotSize
	newCap := len(s.slots)
	for newCap < need {
		if newCap >= maxSlots {
			panic(vmerr.ErrStackOverflow)
		}
		// grows in 64KiB increments, per spec.md §4.3.
		newCap += InitSizeInBytes / slotSize
	}
	if newCap > maxSlots {
		newCap = maxSlots
	}
	if newCap < need {
		panic(vmerr.ErrStackOverflow)
	}
	grownSlots := make([]uint64, newCap)
	grownTypes := make([]api.DataType, newCap)
	copy(grownSlots, s.slots[:s.top])
	copy(grownTypes, s.slotTypes[:s.top])
	s.slots = grownSlots
	s.slotTypes = grownTypes
}

// maybeGrow implements "grows ... when free space falls below half the
// current size" as a check performed before every push, so growth
// happens proactively rather than only at the hard boundary. Each
// growth adds one 64KiB increment; once the stack is at MaxSizeInBytes
// no further growth is attempted, and push's own ensureCapacity(1) traps
// only when the full ceiling is used up.
func (s *Stack) maybeGrow() {
	free := len(s.slots) - s.top
	if free*2 < len(s.slots) && len(s.slots) < MaxSizeInBytes/slotSize {
		s.ensureCapacity(free + InitSizeInBytes/slotSize)
	}
}

func (s *Stack) push(v uint64, t api.DataType) {
	s.maybeGrow()
	s.ensureCapacity(1)
	s.slots[s.top] = v
	s.slotTypes[s.top] = t
	s.top++
}

func (s *Stack) pop(want api.DataType) uint64 {
	s.top--
	// The type tag is authoritative for debugging/assertions; the
	// interpreter is not expected to infer types (spec.md §4.7), so a
	// mismatch here indicates a bug in the caller rather than malformed
	// bytecode (which is rejected earlier, at validation time).
	_ = want
	return s.slots[s.top]
}

func (s *Stack) PushI32(v int32) { s.push(api.EncodeI32(v), api.DataTypeI32) }
func (s *Stack) PopI32() int32   { return api.DecodeI32(s.pop(api.DataTypeI32)) }

func (s *Stack) PushI64(v int64) { s.push(api.EncodeI64(v), api.DataTypeI64) }
func (s *Stack) PopI64() int64   { return api.DecodeI64(s.pop(api.DataTypeI64)) }

func (s *Stack) PushF32(v float32) { s.push(api.EncodeF32(v), api.DataTypeF32) }
func (s *Stack) PopF32() float32   { return api.DecodeF32(s.pop(api.DataTypeF32)) }

func (s *Stack) PushF64(v float64) { s.push(api.EncodeF64(v), api.DataTypeF64) }
func (s *Stack) PopF64() float64   { return api.DecodeF64(s.pop(api.DataTypeF64)) }

// PushRaw/PopRaw move untyped 8-byte slots, used by frame
// allocation/return to relocate arguments and results without decoding
// their value.
func (s *Stack) PushRaw(v uint64, t api.DataType) { s.push(v, t) }
func (s *Stack) PopRaw() (uint64, api.DataType) {
	s.top--
	return s.slots[s.top], s.slotTypes[s.top]
}

// Height returns the number of live operand slots above the current
// frame's argument and local-variable area (or, if there is no current
// frame, in the whole stack).
func (s *Stack) Height() int {
	f := s.CurrentFrame()
	if f == nil {
		return s.top
	}
	localsSlots := (f.LocalsLengthInBytes + slotSize - 1) / slotSize
	return s.top - (f.localsStart + max(localsSlots, f.ArgsCount))
}

// Depth returns the number of live slots in the whole stack, including
// all enclosing frames' descriptors and locals. Used for diagnostics.
func (s *Stack) Depth() int { return s.top }

// AllocateFrame moves the top argsCount slots above the new descriptor,
// zero-fills the local slot area, writes the descriptor, and updates FP,
// per spec.md §4.3.
func (s *Stack) AllocateFrame(kind FrameKind, ft *api.FunctionType, localsLengthInBytes int, argsCount int, returnPC ProgramCounter, functionInternalIdx int) {
	if len(s.frames) >= maxFrames {
		panic(vmerr.ErrStackOverflow)
	}

	localsSlots := (localsLengthInBytes + slotSize - 1) / slotSize

	// Pull the args off the top of the (caller's) stack.
	args := make([]uint64, argsCount)
	argTypes := make([]api.DataType, argsCount)
	for i := argsCount - 1; i >= 0; i-- {
		args[i], argTypes[i] = s.PopRaw()
	}

	prevFP := s.fp
	descriptorIndex := s.top
	s.frames = append(s.frames, Frame{
		ReturnPC:            returnPC,
		PreviousFP:          prevFP,
		Kind:                kind,
		FunctionType:        ft,
		ArgsCount:           argsCount,
		LocalsLengthInBytes: localsLengthInBytes,
		FunctionInternalIdx: functionInternalIdx,
	})
	s.fp = descriptorIndex

	// Re-push args into their argument positions, then zero-fill locals.
	for i, v := range args {
		s.push(v, argTypes[i])
	}
	localsStart := s.top
	for s.top < localsStart+max(localsSlots-argsCount, 0) {
		s.push(0, api.DataTypeI64)
	}
	s.frames[len(s.frames)-1].localsStart = descriptorIndex
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// CurrentFrame returns the top-of-stack frame descriptor.
func (s *Stack) CurrentFrame() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return &s.frames[len(s.frames)-1]
}

// NthFrameFromTop returns the frame levelsFromTop frames below the
// current top (0 is the current frame itself), matching the frame
// Break/ResetToFrame would target at the same levelsFromTop.
func (s *Stack) NthFrameFromTop(levelsFromTop int) *Frame {
	idx := len(s.frames) - 1 - levelsFromTop
	if idx < 0 || idx >= len(s.frames) {
		return nil
	}
	return &s.frames[idx]
}

// PopFrame copies the top resultsCount slots over the descriptor+locals+
// args and restores FP/PC from the descriptor, per spec.md §4.3.
func (s *Stack) PopFrame(resultsCount int) ProgramCounter {
	frame := s.frames[len(s.frames)-1]

	results := make([]uint64, resultsCount)
	resultTypes := make([]api.DataType, resultsCount)
	for i := resultsCount - 1; i >= 0; i-- {
		results[i], resultTypes[i] = s.PopRaw()
	}

	// Truncate back to just before this frame's argument positions,
	// i.e. to the descriptor's base slot index.
	s.top = frame.localsStart
	s.fp = frame.PreviousFP
	s.frames = s.frames[:len(s.frames)-1]

	for i, v := range results {
		s.push(v, resultTypes[i])
	}
	return frame.ReturnPC
}

// ResetToFrame implements tail-iteration ("recur"): keeps the same
// frame but moves argsCount values into the argument positions and
// truncates the stack back to just after locals, per spec.md §4.7.
func (s *Stack) ResetToFrame(levelsFromTop int, argsCount int) {
	idx := len(s.frames) - 1 - levelsFromTop
	frame := &s.frames[idx]

	args := make([]uint64, argsCount)
	argTypes := make([]api.DataType, argsCount)
	for i := argsCount - 1; i >= 0; i-- {
		args[i], argTypes[i] = s.PopRaw()
	}

	// Drop every frame above the target (they are being replaced by the
	// recurring iteration).
	s.frames = s.frames[:idx+1]
	s.top = frame.localsStart
	s.fp = frame.localsStart

	for i, v := range args {
		s.push(v, argTypes[i])
	}
	localsSlots := (frame.LocalsLengthInBytes + slotSize - 1) / slotSize
	for s.top < frame.localsStart+localsSlots {
		s.push(0, api.DataTypeI64)
	}
}

// GetLocalVariablesStartAddress returns the byte offset (relative to the
// start of the Stack's logical slot array) where the current function
// frame's locals begin, used by local-access opcodes and host trampolines.
func (s *Stack) GetLocalVariablesStartAddress() int {
	f := s.CurrentFrame()
	if f == nil {
		return -1
	}
	return f.localsStart * slotSize
}

// GetFunctionFrame walks up from the top frame to the nearest enclosing
// function-kind frame (skipping block frames), matching accessors used
// by local-access opcodes that must find the owning function regardless
// of how many nested blocks are active.
func (s *Stack) GetFunctionFrame() *Frame {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Kind == FrameKindFunction {
			return &s.frames[i]
		}
	}
	return nil
}

// Break pops levels+1 frames (block or function) and reports the
// program counter to resume at (the instruction after the outermost
// popped block), per spec.md §4.7.
func (s *Stack) Break(levels int, resultsCount int) ProgramCounter {
	var pc ProgramCounter
	for i := 0; i <= levels; i++ {
		pc = s.PopFrame(resultsCount)
	}
	return pc
}

// PopOperandsToMemory returns a pointer (slice header) to a contiguous
// view of the top n 8-byte slots, for syscall/extcall argument packing.
// The caller (interpreter) guarantees these slots remain live until the
// native call returns, per spec.md §4.3.
func (s *Stack) PopOperandsToMemory(n int) []uint64 {
	base := s.top - n
	out := s.slots[base:s.top]
	s.top = base
	return out
}

// FrameDepth returns the number of currently active frames (function and
// block), for diagnostics. The frame-count ceiling in AllocateFrame
// reads len(s.frames) directly.
func (s *Stack) FrameDepth() int { return len(s.frames) }

// localSlotIndex converts a byte offset within frame's locals area to an
// absolute slot index. frame.localsStart marks the frame's argument base
// (see AllocateFrame); the arguments are the first local variables, so
// offset 0 addresses the first argument, matching
// GetLocalVariablesStartAddress.
func (s *Stack) localSlotIndex(frame *Frame, offsetBytes int) int {
	return frame.localsStart + offsetBytes/slotSize
}

// ReadLocalI32/WriteLocalI32/ReadLocalI64/WriteLocalI64 give local-access
// opcodes direct addressing into a function frame's locals area, which
// lives inline in the operand stack's slot array rather than in a
// separate buffer, per spec.md §3 "Stack layout".
func (s *Stack) ReadLocalI32(frame *Frame, offsetBytes int) int32 {
	return api.DecodeI32(s.slots[s.localSlotIndex(frame, offsetBytes)])
}

func (s *Stack) WriteLocalI32(frame *Frame, offsetBytes int, v int32) {
	idx := s.localSlotIndex(frame, offsetBytes)
	s.slots[idx] = api.EncodeI32(v)
	s.slotTypes[idx] = api.DataTypeI32
}

func (s *Stack) ReadLocalI64(frame *Frame, offsetBytes int) int64 {
	return api.DecodeI64(s.slots[s.localSlotIndex(frame, offsetBytes)])
}

func (s *Stack) WriteLocalI64(frame *Frame, offsetBytes int, v int64) {
	idx := s.localSlotIndex(frame, offsetBytes)
	s.slots[idx] = api.EncodeI64(v)
	s.slotTypes[idx] = api.DataTypeI64
}
