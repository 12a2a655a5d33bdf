// Package api defines the value and function-signature types shared
// between host embedders and the internal VM packages.
package api

import (
	"fmt"
	"math"
)

// DataType is the semantic tag carried by every operand stack slot.
//
// Slots are always 8 bytes wide; DataType only determines how the slot's
// bytes are interpreted and how arithmetic/conversion opcodes dispatch.
type DataType byte

const (
	DataTypeI32 DataType = iota
	DataTypeI64
	DataTypeF32
	DataTypeF64
)

// String implements fmt.Stringer.
func (t DataType) String() string {
	switch t {
	case DataTypeI32:
		return "i32"
	case DataTypeI64:
		return "i64"
	case DataTypeF32:
		return "f32"
	case DataTypeF64:
		return "f64"
	default:
		return fmt.Sprintf("datatype(%#x)", byte(t))
	}
}

// Width returns the natural byte width of the type (used for alignment
// and local-variable slot sizing, never for the stack slot size, which
// is always 8).
func (t DataType) Width() int {
	switch t {
	case DataTypeI32, DataTypeF32:
		return 4
	case DataTypeI64, DataTypeF64:
		return 8
	default:
		return 0
	}
}

// FunctionType is an ordered list of parameter types and an ordered list
// of result types; both may be empty. Entry-point functions always have
// FunctionType{Results: []DataType{DataTypeI32}}.
type FunctionType struct {
	Params  []DataType
	Results []DataType
}

func (t *FunctionType) String() string {
	return fmt.Sprintf("%v->%v", t.Params, t.Results)
}

// EqualTo reports whether two function types have the same shape. Used
// when resolving callback trampolines, where the declared VM function
// type must match the host's expectation.
func (t *FunctionType) EqualTo(o *FunctionType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i, p := range t.Params {
		if p != o.Params[i] {
			return false
		}
	}
	for i, r := range t.Results {
		if r != o.Results[i] {
			return false
		}
	}
	return true
}

// EncodeI32 reinterprets a signed int32 as the raw uint64 stored in a slot.
func EncodeI32(v int32) uint64 { return uint64(uint32(v)) }

// DecodeI32 extracts a signed int32 from a slot's raw uint64.
func DecodeI32(v uint64) int32 { return int32(uint32(v)) }

// EncodeF32 reinterprets a float32 bit pattern as the raw uint64 stored in a slot.
func EncodeF32(v float32) uint64 {
	return uint64(math.Float32bits(v))
}

// DecodeF32 extracts a float32 from a slot's raw uint64.
func DecodeF32(v uint64) float32 {
	return math.Float32frombits(uint32(v))
}

// EncodeF64 reinterprets a float64 bit pattern as the raw uint64 stored in a slot.
func EncodeF64(v float64) uint64 {
	return math.Float64bits(v)
}

// DecodeF64 extracts a float64 from a slot's raw uint64.
func DecodeF64(v uint64) float64 {
	return math.Float64frombits(v)
}

// EncodeI64 reinterprets a signed int64 as the raw uint64 stored in a slot.
func EncodeI64(v int64) uint64 { return uint64(v) }

// DecodeI64 extracts a signed int64 from a slot's raw uint64.
func DecodeI64(v uint64) int64 { return int64(v) }
