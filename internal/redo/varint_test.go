package redo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVarLongRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 63, -64, 64, -65,
		1 << 20, -(1 << 20),
		1 << 40, -(1 << 40),
		9223372036854775807,  // max int64
		-9223372036854775808, // min int64
	}

	buf := make([]byte, maxVarLongLen)
	for _, v := range values {
		n := writeVarLong(buf, v)
		assert.Equal(t, varLongLen(v), n)
		assert.LessOrEqual(t, n, maxVarLongLen)

		got, consumed := readVarLong(buf)
		assert.Equal(t, n, consumed)
		assert.Equal(t, v, got)
	}
}

func TestVarLongWidthBoundaries(t *testing.T) {
	t.Run("smallest two-byte value takes two bytes", func(t *testing.T) {
		buf := make([]byte, maxVarLongLen)
		n := writeVarLong(buf, 64)
		assert.Equal(t, 2, n)
	})

	t.Run("widest delta uses the full nine-byte reserved slot", func(t *testing.T) {
		buf := make([]byte, maxVarLongLen)
		n := writeVarLong(buf, -9223372036854775808)
		assert.Equal(t, maxVarLongLen, n)
	})
}

func TestUvarintLenMatchesWritten(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 16384, 1 << 20} {
		buf := writeUvarint(nil, uint64(n))
		assert.Equal(t, uvarintLen(n), len(buf))
	}
}
