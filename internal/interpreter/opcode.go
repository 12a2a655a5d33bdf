package interpreter

// Opcode identifies one bytecode instruction. The encoding is
// variable-length: a 1-byte opcode followed by however many fixed-width
// little-endian operands that opcode declares, matching "Decode-dispatch
// over variable-length bytecode" (spec.md §4.7).
type Opcode byte

const (
	OpNop Opcode = iota

	// Immediates.
	OpImmI32
	OpImmI64
	OpImmF32
	OpImmF64

	// Arithmetic (i32).
	OpI32Add
	OpI32Sub
	OpI32Mul
	OpI32DivS
	OpI32DivU
	OpI32RemS
	OpI32RemU

	// Arithmetic (i64).
	OpI64Add
	OpI64Sub
	OpI64Mul
	OpI64DivS
	OpI64DivU
	OpI64RemS
	OpI64RemU

	// Arithmetic (float).
	OpF32Add
	OpF32Sub
	OpF32Mul
	OpF32Div
	OpF64Add
	OpF64Sub
	OpF64Mul
	OpF64Div

	// Bitwise / shifts (i32).
	OpI32And
	OpI32Or
	OpI32Xor
	OpI32ShlS // arithmetic/logical selected by signed/unsigned pairing below
	OpI32ShrS
	OpI32ShrU

	// Comparison.
	OpI32Eqz
	OpI32Eq
	OpI32Ne
	OpI32LtS
	OpI32LtU
	OpI32GtS
	OpI32GtU

	// Conversion.
	OpI32WrapI64
	OpI64ExtendI32S
	OpI64ExtendI32U
	OpF32ToI32SSat // saturating
	OpF32ToI32STrap // trapping variant, per spec.md §4.7 "explicit trap form"

	// Local / data access.
	OpLocalLoadI32
	OpLocalLoadI64
	OpLocalStoreI32
	OpLocalStoreI64
	OpLocalLoadI32Long  // dynamic offset taken from the operand stack
	OpLocalStoreI32Long
	OpDataLoadI32
	OpDataLoadI64
	OpDataStoreI32
	OpDataStoreI64

	// Control flow.
	OpBlock
	OpBreak
	OpRecur
	OpCall
	OpCallOut
	OpReturn
	OpTailCall
	OpTerminate
	OpEnd
	OpUnreachable

	// Host/native bridges.
	OpEnvCall
	OpSysCall
	OpExtCall
)

// operandWidths declares, per opcode, how many bytes of fixed-width
// operand data follow the 1-byte opcode. Control-flow and host-bridge
// opcodes (OpBlock, OpBreak, OpRecur, OpCall, OpTailCall, OpEnvCall,
// OpSysCall, OpExtCall) are not listed; each is decoded by its own case
// in interpreter.go's dispatch. OpCallOut has no case there and traps as
// an unknown opcode.
var operandWidths = map[Opcode]int{
	OpNop:    0,
	OpImmI32: 4,
	OpImmI64: 8,
	OpImmF32: 4,
	OpImmF64: 8,

	OpI32Add: 0, OpI32Sub: 0, OpI32Mul: 0, OpI32DivS: 0, OpI32DivU: 0, OpI32RemS: 0, OpI32RemU: 0,
	OpI64Add: 0, OpI64Sub: 0, OpI64Mul: 0, OpI64DivS: 0, OpI64DivU: 0, OpI64RemS: 0, OpI64RemU: 0,
	OpF32Add: 0, OpF32Sub: 0, OpF32Mul: 0, OpF32Div: 0,
	OpF64Add: 0, OpF64Sub: 0, OpF64Mul: 0, OpF64Div: 0,
	OpI32And: 0, OpI32Or: 0, OpI32Xor: 0, OpI32ShlS: 0, OpI32ShrS: 0, OpI32ShrU: 0,
	OpI32Eqz: 0, OpI32Eq: 0, OpI32Ne: 0, OpI32LtS: 0, OpI32LtU: 0, OpI32GtS: 0, OpI32GtU: 0,
	OpI32WrapI64: 0, OpI64ExtendI32S: 0, OpI64ExtendI32U: 0, OpF32ToI32SSat: 0, OpF32ToI32STrap: 0,

	// (offset_bytes:u32, local_variable_index:u32)
	OpLocalLoadI32:  8,
	OpLocalLoadI64:  8,
	OpLocalStoreI32: 8,
	OpLocalStoreI64: 8,
	// (local_variable_index:u32); offset comes off the operand stack.
	OpLocalLoadI32Long:  4,
	OpLocalStoreI32Long: 4,
	// (offset_bytes:u32, data_access_index:u32)
	OpDataLoadI32:  8,
	OpDataLoadI64:  8,
	OpDataStoreI32: 8,
	OpDataStoreI64: 8,

	OpReturn:    4, // results_count:u32
	OpTerminate: 4, // code:u32
	OpEnd:       0,
	OpUnreachable: 0,
}
