// Package memaccess implements typed, bounds-free primitive load/store
// over raw byte buffers (internal/region layers the bounds checking on
// top). Every exported function operates at (buffer, byteOffset).
//
// Floating-point loads reject NaN and +/-Inf with vmerr.ErrUnsupportedFloat;
// stores never validate, since an arithmetic result that overflowed to Inf
// is the caller's concern, not the memory layer's.
package memaccess

import (
	"encoding/binary"
	"math"

	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// Extension selects the sign/zero-extension flavor for a widening load.
type Extension byte

const (
	SignExtend Extension = iota
	ZeroExtend
)

func LoadI8(buf []byte, off int, ext Extension) int32 {
	v := buf[off]
	if ext == SignExtend {
		return int32(int8(v))
	}
	return int32(v)
}

func StoreI8(buf []byte, off int, v int8) {
	buf[off] = byte(v)
}

func LoadI16(buf []byte, off int, ext Extension) int32 {
	v := binary.LittleEndian.Uint16(buf[off : off+2])
	if ext == SignExtend {
		return int32(int16(v))
	}
	return int32(v)
}

func StoreI16(buf []byte, off int, v int16) {
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(v))
}

// LoadI32 loads a plain (non-widening) 32-bit integer.
func LoadI32(buf []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[off : off+4]))
}

func StoreI32(buf []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
}

// LoadI32Widen loads a 32-bit integer destined for a 64-bit slot with
// explicit sign/zero extension.
func LoadI32Widen(buf []byte, off int, ext Extension) int64 {
	v := binary.LittleEndian.Uint32(buf[off : off+4])
	if ext == SignExtend {
		return int64(int32(v))
	}
	return int64(v)
}

func LoadI64(buf []byte, off int) int64 {
	return int64(binary.LittleEndian.Uint64(buf[off : off+8]))
}

func StoreI64(buf []byte, off int, v int64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(v))
}

// LoadF32 loads a float32, rejecting NaN and +/-Inf per spec §4.1.
func LoadF32(buf []byte, off int) (float32, error) {
	bits := binary.LittleEndian.Uint32(buf[off : off+4])
	v := math.Float32frombits(bits)
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0, vmerr.ErrUnsupportedFloat
	}
	return v, nil
}

// StoreF32 stores a float32 without validation.
func StoreF32(buf []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
}

// LoadF64 loads a float64, rejecting NaN and +/-Inf per spec §4.1.
func LoadF64(buf []byte, off int) (float64, error) {
	bits := binary.LittleEndian.Uint64(buf[off : off+8])
	v := math.Float64frombits(bits)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, vmerr.ErrUnsupportedFloat
	}
	return v, nil
}

// StoreF64 stores a float64 without validation.
func StoreF64(buf []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(v))
}
