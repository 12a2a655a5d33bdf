package memaccess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

func TestIntegerRoundTrip(t *testing.T) {
	buf := make([]byte, 16)

	StoreI8(buf, 0, -5)
	require.EqualValues(t, -5, LoadI8(buf, 0, SignExtend))
	require.EqualValues(t, 251, LoadI8(buf, 0, ZeroExtend))

	StoreI16(buf, 2, -1234)
	require.EqualValues(t, -1234, LoadI16(buf, 2, SignExtend))

	StoreI32(buf, 4, -42)
	require.EqualValues(t, -42, LoadI32(buf, 4))
	require.EqualValues(t, -42, LoadI32Widen(buf, 4, SignExtend))
	require.EqualValues(t, uint32(0xffffffd6), uint32(LoadI32Widen(buf, 4, ZeroExtend)))

	StoreI64(buf, 8, 123456789)
	require.EqualValues(t, 123456789, LoadI64(buf, 8))
}

func TestFloatRoundTrip(t *testing.T) {
	buf := make([]byte, 16)

	StoreF32(buf, 0, 3.5)
	v, err := LoadF32(buf, 0)
	require.NoError(t, err)
	require.Equal(t, float32(3.5), v)

	StoreF64(buf, 8, -2.25)
	d, err := LoadF64(buf, 8)
	require.NoError(t, err)
	require.Equal(t, -2.25, d)
}

func TestFloatRejectsNaNAndInf(t *testing.T) {
	buf := make([]byte, 16)

	StoreF32(buf, 0, float32(math.NaN()))
	_, err := LoadF32(buf, 0)
	require.ErrorIs(t, err, vmerr.ErrUnsupportedFloat)

	StoreF64(buf, 8, math.Inf(1))
	_, err = LoadF64(buf, 8)
	require.ErrorIs(t, err, vmerr.ErrUnsupportedFloat)

	StoreF64(buf, 8, math.Inf(-1))
	_, err = LoadF64(buf, 8)
	require.ErrorIs(t, err, vmerr.ErrUnsupportedFloat)
}
