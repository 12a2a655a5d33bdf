// Package interpreter implements the decode-dispatch loop (C9): frame
// discipline and the structured control-flow semantics described in
// spec.md §4.7, grounded on the teacher's
// internal/engine/interpreter/interpreter.go callEngine/callFrame shape
// (panic-based fatal-trap signaling, a dedicated per-call engine state)
// translated from wasm opcodes to this VM's numeric opcode set.
package interpreter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xiaoxuan-lang/corevm/api"
	"github.com/xiaoxuan-lang/corevm/internal/instance"
	"github.com/xiaoxuan-lang/corevm/internal/stack"
	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// Env is the minimal surface the interpreter needs from its host thread,
// letting this package stay free of vmcontext/envcall/trampoline/sysbridge
// imports (those all live "above" the interpreter and implement Env on
// their ThreadContext type).
type Env interface {
	Stack() *stack.Stack
	CommonInstance(moduleIndex int) (*instance.CommonInstance, error)
	Linking() (*instance.LinkingInstance, error)

	// DoEnvCall executes the numeric envcall, consuming/producing
	// operands directly on Stack().
	DoEnvCall(code uint32) error
	// DoSysCall pops argCount arguments and then the syscall number
	// beneath them from Stack(), and pushes (errno, return_value).
	DoSysCall(argCount int) error
	// DoExtCall pops the declared argument types for the external
	// function at unifiedIndex, invokes it, and pushes its single result.
	DoExtCall(unifiedIndex uint32) error
}

// resultKind tags what Run should do after a handler executes.
type resultKind byte

const (
	resultMove resultKind = iota
	resultJump
	resultCallOut
	resultReturn
	resultTerminate
)

// handleResult mirrors spec.md §4.7's HandleResult enum.
type handleResult struct {
	kind resultKind

	moveBy int
	jumpTo stack.ProgramCounter

	callOutModule, callOutInternal int
	callOutArgsCount               int

	// tailCall marks a resultCallOut produced by OpTailCall: the callee's
	// return address is the tail-caller's own ReturnPC (carried in
	// tailReturnPC), not pc+moveBy, since the tail-caller's frame is gone
	// by the time the callee runs.
	tailCall     bool
	tailReturnPC stack.ProgramCounter

	terminateCode uint32
}

// Run drives the interpreter from (startModule, startInternal) with args
// already on env.Stack() (exactly ft.Params-arity of them, pushed by the
// caller), returning the function's results. It recovers exactly one
// panic raised by a fatal trap (vmerr sentinel or *vmerr.TerminateError)
// and reports it as an error, per spec.md §7 "nothing is recovered
// inside the interpreter; all faults unwind to the nearest host
// boundary" — here, that boundary is Run itself.
func Run(env Env, startModule, startInternal int) (results []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("interpreter: unrecovered panic: %v", r)
		}
	}()

	ci, e := env.CommonInstance(startModule)
	if e != nil {
		return nil, e
	}
	ft, e := ci.FunctionType(startInternal)
	if e != nil {
		return nil, e
	}
	locals, e := ci.LocalVariables(startInternal)
	if e != nil {
		return nil, e
	}

	st := env.Stack()
	st.AllocateFrame(stack.FrameKindFunction, ft, locals.LocalVariablesLengthInBytes, len(ft.Params),
		stack.ProgramCounter{ModuleIndex: -1}, startInternal) // ModuleIndex -1: no caller to return to.

	pc := stack.ProgramCounter{ModuleIndex: startModule, FunctionInternalIdx: startInternal, InstructionAddress: 0}

	for {
		ci, e := env.CommonInstance(pc.ModuleIndex)
		if e != nil {
			panic(e)
		}
		code, e := ci.Code(pc.FunctionInternalIdx)
		if e != nil {
			panic(e)
		}

		if pc.InstructionAddress >= len(code) {
			panic(vmerr.ErrUnreachable)
		}

		op := Opcode(code[pc.InstructionAddress])
		hr := dispatch(env, ci, op, code, pc)

		switch hr.kind {
		case resultMove:
			pc.InstructionAddress += hr.moveBy
		case resultJump:
			pc = hr.jumpTo
		case resultCallOut:
			calleeCi, e := env.CommonInstance(hr.callOutModule)
			if e != nil {
				panic(e)
			}
			calleeFt, e := calleeCi.FunctionType(hr.callOutInternal)
			if e != nil {
				panic(e)
			}
			calleeLocals, e := calleeCi.LocalVariables(hr.callOutInternal)
			if e != nil {
				panic(e)
			}
			var returnPC stack.ProgramCounter
			if hr.tailCall {
				returnPC = hr.tailReturnPC
			} else {
				returnPC = pc
				returnPC.InstructionAddress += hr.moveBy
			}
			st.AllocateFrame(stack.FrameKindFunction, calleeFt, calleeLocals.LocalVariablesLengthInBytes,
				hr.callOutArgsCount, returnPC, hr.callOutInternal)
			pc = stack.ProgramCounter{ModuleIndex: hr.callOutModule, FunctionInternalIdx: hr.callOutInternal, InstructionAddress: 0}
		case resultReturn:
			curFrame := st.CurrentFrame()
			resultsCount := 0
			if curFrame != nil {
				resultsCount = len(curFrame.FunctionType.Results)
			}
			returnPC := st.PopFrame(resultsCount)
			if returnPC.ModuleIndex == -1 {
				// Returning from the entry function: collect results.
				out := make([]uint64, len(ft.Results))
				for i := len(ft.Results) - 1; i >= 0; i-- {
					v, _ := st.PopRaw()
					out[i] = v
				}
				return out, nil
			}
			pc = returnPC
		case resultTerminate:
			panic(&vmerr.TerminateError{Code: hr.terminateCode})
		}
	}
}

func dispatch(env Env, ci *instance.CommonInstance, op Opcode, code []byte, pc stack.ProgramCounter) handleResult {
	st := env.Stack()
	base := pc.InstructionAddress

	switch op {
	case OpNop:
		return move(1)

	case OpImmI32:
		st.PushI32(int32(binary.LittleEndian.Uint32(code[base+1 : base+5])))
		return move(5)
	case OpImmI64:
		st.PushI64(int64(binary.LittleEndian.Uint64(code[base+1 : base+9])))
		return move(9)
	case OpImmF32:
		st.PushF32(math.Float32frombits(binary.LittleEndian.Uint32(code[base+1 : base+5])))
		return move(5)
	case OpImmF64:
		st.PushF64(math.Float64frombits(binary.LittleEndian.Uint64(code[base+1 : base+9])))
		return move(9)

	case OpI32Add:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(a + b)
		return move(1)
	case OpI32Sub:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(a - b)
		return move(1)
	case OpI32Mul:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(a * b)
		return move(1)
	case OpI32DivS:
		b, a := st.PopI32(), st.PopI32()
		if b == 0 {
			panic(vmerr.ErrIntegerDivideByZero)
		}
		st.PushI32(a / b)
		return move(1)
	case OpI32DivU:
		b, a := uint32(st.PopI32()), uint32(st.PopI32())
		if b == 0 {
			panic(vmerr.ErrIntegerDivideByZero)
		}
		st.PushI32(int32(a / b))
		return move(1)
	case OpI32RemS:
		b, a := st.PopI32(), st.PopI32()
		if b == 0 {
			panic(vmerr.ErrIntegerDivideByZero)
		}
		st.PushI32(a % b)
		return move(1)
	case OpI32RemU:
		b, a := uint32(st.PopI32()), uint32(st.PopI32())
		if b == 0 {
			panic(vmerr.ErrIntegerDivideByZero)
		}
		st.PushI32(int32(a % b))
		return move(1)

	case OpI64Add:
		b, a := st.PopI64(), st.PopI64()
		st.PushI64(a + b)
		return move(1)
	case OpI64Sub:
		b, a := st.PopI64(), st.PopI64()
		st.PushI64(a - b)
		return move(1)
	case OpI64Mul:
		b, a := st.PopI64(), st.PopI64()
		st.PushI64(a * b)
		return move(1)
	case OpI64DivS:
		b, a := st.PopI64(), st.PopI64()
		if b == 0 {
			panic(vmerr.ErrIntegerDivideByZero)
		}
		st.PushI64(a / b)
		return move(1)
	case OpI64DivU:
		b, a := uint64(st.PopI64()), uint64(st.PopI64())
		if b == 0 {
			panic(vmerr.ErrIntegerDivideByZero)
		}
		st.PushI64(int64(a / b))
		return move(1)
	case OpI64RemS:
		b, a := st.PopI64(), st.PopI64()
		if b == 0 {
			panic(vmerr.ErrIntegerDivideByZero)
		}
		st.PushI64(a % b)
		return move(1)
	case OpI64RemU:
		b, a := uint64(st.PopI64()), uint64(st.PopI64())
		if b == 0 {
			panic(vmerr.ErrIntegerDivideByZero)
		}
		st.PushI64(int64(a % b))
		return move(1)

	case OpF32Add:
		b, a := st.PopF32(), st.PopF32()
		st.PushF32(a + b)
		return move(1)
	case OpF32Sub:
		b, a := st.PopF32(), st.PopF32()
		st.PushF32(a - b)
		return move(1)
	case OpF32Mul:
		b, a := st.PopF32(), st.PopF32()
		st.PushF32(a * b)
		return move(1)
	case OpF32Div:
		b, a := st.PopF32(), st.PopF32()
		st.PushF32(a / b)
		return move(1)
	case OpF64Add:
		b, a := st.PopF64(), st.PopF64()
		st.PushF64(a + b)
		return move(1)
	case OpF64Sub:
		b, a := st.PopF64(), st.PopF64()
		st.PushF64(a - b)
		return move(1)
	case OpF64Mul:
		b, a := st.PopF64(), st.PopF64()
		st.PushF64(a * b)
		return move(1)
	case OpF64Div:
		b, a := st.PopF64(), st.PopF64()
		st.PushF64(a / b)
		return move(1)

	case OpI32And:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(a & b)
		return move(1)
	case OpI32Or:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(a | b)
		return move(1)
	case OpI32Xor:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(a ^ b)
		return move(1)
	case OpI32ShlS:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(a << (uint32(b) & 31))
		return move(1)
	case OpI32ShrS: // arithmetic: signed shifts are arithmetic, per spec.md §4.7.
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(a >> (uint32(b) & 31))
		return move(1)
	case OpI32ShrU: // logical: unsigned shifts are logical.
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(int32(uint32(a) >> (uint32(b) & 31)))
		return move(1)

	case OpI32Eqz:
		a := st.PopI32()
		st.PushI32(boolI32(a == 0))
		return move(1)
	case OpI32Eq:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(boolI32(a == b))
		return move(1)
	case OpI32Ne:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(boolI32(a != b))
		return move(1)
	case OpI32LtS:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(boolI32(a < b))
		return move(1)
	case OpI32LtU:
		b, a := uint32(st.PopI32()), uint32(st.PopI32())
		st.PushI32(boolI32(a < b))
		return move(1)
	case OpI32GtS:
		b, a := st.PopI32(), st.PopI32()
		st.PushI32(boolI32(a > b))
		return move(1)
	case OpI32GtU:
		b, a := uint32(st.PopI32()), uint32(st.PopI32())
		st.PushI32(boolI32(a > b))
		return move(1)

	case OpI32WrapI64:
		st.PushI32(int32(st.PopI64()))
		return move(1)
	case OpI64ExtendI32S:
		st.PushI64(int64(st.PopI32()))
		return move(1)
	case OpI64ExtendI32U:
		st.PushI64(int64(uint32(st.PopI32())))
		return move(1)
	case OpF32ToI32SSat:
		st.PushI32(saturatingF32ToI32(st.PopF32()))
		return move(1)
	case OpF32ToI32STrap:
		v := st.PopF32()
		if math.IsNaN(float64(v)) || v < math.MinInt32 || v > math.MaxInt32 {
			panic(vmerr.ErrUnsupportedFloat)
		}
		st.PushI32(int32(v))
		return move(1)

	// local_variable_index (the second operand) is carried for symbolic
	// debugging/disassembly only; offset is what actually addresses the
	// slot and is validated against the owning frame's declared locals
	// length in loadLocalI32/storeLocalI32 etc. below.
	case OpLocalLoadI32:
		off, _ := decode2u32(code, base)
		return loadLocalI32(st, int(off), 9)
	case OpLocalLoadI64:
		off, _ := decode2u32(code, base)
		return loadLocalI64(st, int(off), 9)
	case OpLocalStoreI32:
		off, _ := decode2u32(code, base)
		return storeLocalI32(st, int(off), 9)
	case OpLocalStoreI64:
		off, _ := decode2u32(code, base)
		return storeLocalI64(st, int(off), 9)
	case OpLocalLoadI32Long:
		off := st.PopI32()
		return loadLocalI32(st, int(off), 5)
	case OpLocalStoreI32Long:
		off := st.PopI32()
		return storeLocalI32(st, int(off), 5)

	case OpDataLoadI32:
		off, idx := decode2u32(code, base)
		return loadDataI32(env, int(off), int(idx))
	case OpDataLoadI64:
		off, idx := decode2u32(code, base)
		return loadDataI64(env, int(off), int(idx))
	case OpDataStoreI32:
		off, idx := decode2u32(code, base)
		return storeDataI32(env, int(off), int(idx))
	case OpDataStoreI64:
		off, idx := decode2u32(code, base)
		return storeDataI64(env, int(off), int(idx))

	case OpBlock:
		typeIndex, _, bodyLength := decode3u32(code, base)
		if int(typeIndex) >= len(ci.Image.Types) {
			panic(&vmerr.ItemNotFoundError{Kind: "type", Index: typeIndex})
		}
		t := ci.Image.Types[typeIndex]
		resolvedFt := &api.FunctionType{Params: t.Params, Results: t.Results}
		bodyStart := stack.ProgramCounter{ModuleIndex: pc.ModuleIndex, FunctionInternalIdx: pc.FunctionInternalIdx, InstructionAddress: base + 13}
		after := stack.ProgramCounter{ModuleIndex: pc.ModuleIndex, FunctionInternalIdx: pc.FunctionInternalIdx, InstructionAddress: base + 13 + int(bodyLength)}
		st.AllocateFrame(stack.FrameKindBlock, resolvedFt, 0, len(resolvedFt.Params), after, pc.FunctionInternalIdx)
		st.CurrentFrame().BodyStart = bodyStart
		return move(13)

	case OpBreak:
		levels := binary.LittleEndian.Uint32(code[base+1 : base+5])
		frame := st.CurrentFrame()
		resultsCount := 0
		if frame != nil {
			resultsCount = len(frame.FunctionType.Results)
		}
		target := st.Break(int(levels), resultsCount)
		return jump(target)

	case OpRecur:
		levels, argsCount := decode2u32(code, base)
		target := st.NthFrameFromTop(int(levels)).BodyStart
		st.ResetToFrame(int(levels), int(argsCount))
		return jump(target)

	case OpReturn:
		return handleResult{kind: resultReturn}

	case OpTailCall:
		targetPublic, argsCount := decode2u32(code, base)
		targetModule, targetInternal := resolveCall(env, int(targetPublic))
		// A tail call reuses the caller's frame instead of nesting:
		// PopFrame(argsCount) carries the freshly-pushed tail-call
		// arguments across the pop (they are "results" as far as the
		// stack is concerned) and hands back the tail-caller's own
		// ReturnPC, which is where the new callee must resume once it
		// returns — not the tail-call site, which no longer has a frame.
		tailReturnPC := st.PopFrame(int(argsCount))
		return handleResult{kind: resultCallOut, callOutModule: targetModule, callOutInternal: targetInternal,
			callOutArgsCount: int(argsCount), tailCall: true, tailReturnPC: tailReturnPC}

	case OpCall:
		targetPublic, argsCount := decode2u32(code, base)
		targetModule, targetInternal := resolveCall(env, int(targetPublic))
		return handleResult{kind: resultCallOut, callOutModule: targetModule, callOutInternal: targetInternal,
			callOutArgsCount: int(argsCount), moveBy: 9}

	case OpTerminate:
		code32 := binary.LittleEndian.Uint32(code[base+1 : base+5])
		return handleResult{kind: resultTerminate, terminateCode: code32}

	case OpEnd:
		return move(1)

	case OpUnreachable:
		panic(vmerr.ErrUnreachable)

	case OpEnvCall:
		envCode := binary.LittleEndian.Uint32(code[base+1 : base+5])
		if err := env.DoEnvCall(envCode); err != nil {
			if err == vmerr.ErrUnreachable {
				// Unassigned envcall code: report where it was issued.
				panic(fmt.Errorf("envcall %d at module %d function %d address %d: %w",
					envCode, pc.ModuleIndex, pc.FunctionInternalIdx, pc.InstructionAddress, err))
			}
			panic(err)
		}
		return move(5)

	case OpSysCall:
		argc := binary.LittleEndian.Uint32(code[base+1 : base+5])
		if err := env.DoSysCall(int(argc)); err != nil {
			panic(err)
		}
		return move(5)

	case OpExtCall:
		idx := binary.LittleEndian.Uint32(code[base+1 : base+5])
		if err := env.DoExtCall(idx); err != nil {
			panic(err)
		}
		return move(5)

	default:
		panic(&vmerr.ItemNotFoundError{Kind: "opcode", Index: uint32(op)})
	}
}

func move(n int) handleResult           { return handleResult{kind: resultMove, moveBy: n} }
func jump(pc stack.ProgramCounter) handleResult { return handleResult{kind: resultJump, jumpTo: pc} }

func boolI32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func saturatingF32ToI32(v float32) int32 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	if v <= math.MinInt32 {
		return math.MinInt32
	}
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

func decode2u32(code []byte, base int) (uint32, uint32) {
	return binary.LittleEndian.Uint32(code[base+1 : base+5]), binary.LittleEndian.Uint32(code[base+5 : base+9])
}

func decode3u32(code []byte, base int) (uint32, uint32, uint32) {
	return binary.LittleEndian.Uint32(code[base+1 : base+5]),
		binary.LittleEndian.Uint32(code[base+5 : base+9]),
		binary.LittleEndian.Uint32(code[base+9 : base+13])
}

func resolveCall(env Env, callerPublicIndex int) (targetModule, targetInternal int) {
	linking, err := env.Linking()
	if err != nil {
		panic(err)
	}
	targetModule, targetInternal, err = linking.ResolveFunction(callerPublicIndex)
	if err != nil {
		panic(err)
	}
	return
}

func loadLocalI32(st *stack.Stack, offset, width int) handleResult {
	frame := st.GetFunctionFrame()
	if offset+4 > frame.LocalsLengthInBytes {
		panic(fmt.Errorf("local access offset=%d width=4 exceeds locals length=%d", offset, frame.LocalsLengthInBytes))
	}
	st.PushI32(st.ReadLocalI32(frame, offset))
	return move(width)
}

func loadLocalI64(st *stack.Stack, offset, width int) handleResult {
	frame := st.GetFunctionFrame()
	if offset+8 > frame.LocalsLengthInBytes {
		panic(fmt.Errorf("local access offset=%d width=8 exceeds locals length=%d", offset, frame.LocalsLengthInBytes))
	}
	st.PushI64(st.ReadLocalI64(frame, offset))
	return move(width)
}

func storeLocalI32(st *stack.Stack, offset, width int) handleResult {
	frame := st.GetFunctionFrame()
	if offset+4 > frame.LocalsLengthInBytes {
		panic(fmt.Errorf("local access offset=%d width=4 exceeds locals length=%d", offset, frame.LocalsLengthInBytes))
	}
	st.WriteLocalI32(frame, offset, st.PopI32())
	return move(width)
}

func storeLocalI64(st *stack.Stack, offset, width int) handleResult {
	frame := st.GetFunctionFrame()
	if offset+8 > frame.LocalsLengthInBytes {
		panic(fmt.Errorf("local access offset=%d width=8 exceeds locals length=%d", offset, frame.LocalsLengthInBytes))
	}
	st.WriteLocalI64(frame, offset, st.PopI64())
	return move(width)
}

func loadDataI32(env Env, offset, dataAccessIndex int) handleResult {
	linking, err := env.Linking()
	if err != nil {
		panic(err)
	}
	targetModule, regionID, targetInternal, err := linking.ResolveData(dataAccessIndex)
	if err != nil {
		panic(err)
	}
	ci, err := env.CommonInstance(targetModule)
	if err != nil {
		panic(err)
	}
	r := ci.RegionByID(regionID)
	b, err := r.Read(targetInternal, offset, 4)
	if err != nil {
		panic(err)
	}
	env.Stack().PushI32(int32(binary.LittleEndian.Uint32(b)))
	return move(9)
}

func loadDataI64(env Env, offset, dataAccessIndex int) handleResult {
	linking, err := env.Linking()
	if err != nil {
		panic(err)
	}
	targetModule, regionID, targetInternal, err := linking.ResolveData(dataAccessIndex)
	if err != nil {
		panic(err)
	}
	ci, err := env.CommonInstance(targetModule)
	if err != nil {
		panic(err)
	}
	r := ci.RegionByID(regionID)
	b, err := r.Read(targetInternal, offset, 8)
	if err != nil {
		panic(err)
	}
	env.Stack().PushI64(int64(binary.LittleEndian.Uint64(b)))
	return move(9)
}

func storeDataI32(env Env, offset, dataAccessIndex int) handleResult {
	v := env.Stack().PopI32()
	linking, err := env.Linking()
	if err != nil {
		panic(err)
	}
	targetModule, regionID, targetInternal, err := linking.ResolveData(dataAccessIndex)
	if err != nil {
		panic(err)
	}
	ci, err := env.CommonInstance(targetModule)
	if err != nil {
		panic(err)
	}
	r := ci.RegionByID(regionID)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	if err := r.Write(targetInternal, offset, buf); err != nil {
		panic(err)
	}
	return move(9)
}

func storeDataI64(env Env, offset, dataAccessIndex int) handleResult {
	v := env.Stack().PopI64()
	linking, err := env.Linking()
	if err != nil {
		panic(err)
	}
	targetModule, regionID, targetInternal, err := linking.ResolveData(dataAccessIndex)
	if err != nil {
		panic(err)
	}
	ci, err := env.CommonInstance(targetModule)
	if err != nil {
		panic(err)
	}
	r := ci.RegionByID(regionID)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	if err := r.Write(targetInternal, offset, buf); err != nil {
		panic(err)
	}
	return move(9)
}
