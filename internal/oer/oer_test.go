package oer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUintSingleByte(t *testing.T) {
	for _, v := range []uint64{0, 1, 42, 127} {
		buf := AppendVarUint(nil, v)
		require.Len(t, buf, 1)

		got, n, err := ReadVarUint(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, 1, n)
	}
}

func TestVarUintMultiByte(t *testing.T) {
	cases := []struct {
		v    uint64
		size int // total encoded bytes
	}{
		{128, 2},
		{255, 2},
		{256, 3},
		{65535, 3},
		{1 << 24, 5},
		{^uint64(0), 9},
	}
	for _, tc := range cases {
		buf := AppendVarUint(nil, tc.v)
		require.Len(t, buf, tc.size, "value %d", tc.v)

		got, n, err := ReadVarUint(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, tc.v, got)
		assert.Equal(t, tc.size, n)
	}
}

func TestVarUintInvalidLengthOfLength(t *testing.T) {
	// Length-of-length 9 is out of range.
	_, _, err := ReadVarUint([]byte{0x89, 0, 0, 0, 0, 0, 0, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidLength)

	// Length-of-length 0 is never produced by the canonical encoder.
	_, _, err = ReadVarUint([]byte{0x80}, 0)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestVarUintUnderflow(t *testing.T) {
	_, _, err := ReadVarUint(nil, 0)
	assert.ErrorIs(t, err, ErrBufferUnderflow)

	// Declares 2 value bytes but only 1 present.
	_, _, err = ReadVarUint([]byte{0x82, 0x01}, 0)
	assert.ErrorIs(t, err, ErrBufferUnderflow)
}

func TestVarOctetsRoundTrip(t *testing.T) {
	payload := []byte("hello interledger")
	buf := AppendVarOctets(nil, payload)

	got, n, err := ReadVarOctets(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, len(buf), n)
}

func TestVarOctetsZeroCopy(t *testing.T) {
	buf := AppendVarOctets(nil, []byte{1, 2, 3})
	got, _, err := ReadVarOctets(buf, 0)
	require.NoError(t, err)

	// Mutating the source buffer must show through the returned slice.
	buf[1] = 0xFF
	assert.Equal(t, byte(0xFF), got[0])
}

func TestVarOctetsDeclaredLengthBeyondBuffer(t *testing.T) {
	_, _, err := ReadVarOctets([]byte{0x05, 1, 2}, 0)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestFixedIntRoundTrip(t *testing.T) {
	buf := AppendUint64(AppendUint32(nil, 0xDEADBEEF), 1<<40)

	v32, n, err := ReadUint32(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)
	assert.Equal(t, 4, n)

	v64, n, err := ReadUint64(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), v64)
	assert.Equal(t, 8, n)

	_, _, err = ReadUint64(buf, 8)
	assert.ErrorIs(t, err, ErrBufferUnderflow)
}

func TestReadAtOffset(t *testing.T) {
	buf := []byte{0xAA, 0xBB}
	buf = AppendVarUint(buf, 300)

	v, n, err := ReadVarUint(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), v)
	assert.Equal(t, len(buf)-2, n)
}
