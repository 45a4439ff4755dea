// Package oer implements the subset of Octet Encoding Rules used on the ILP
// wire: fixed-width big-endian integers, variable-length unsigned integers,
// and length-prefixed octet strings.
//
// Decode functions read from (buf, offset) and return the decoded value plus
// the number of bytes consumed. Octet-string reads are zero-copy: the returned
// slice aliases buf. Nothing is mutated on failure.
package oer

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrBufferUnderflow means the buffer ended before the value did.
	ErrBufferUnderflow = errors.New("oer: buffer underflow")

	// ErrInvalidLength means a length determinant is out of range (length-of-
	// length above 8, or a declared length exceeding the remaining buffer).
	ErrInvalidLength = errors.New("oer: invalid length")
)

// ReadUint8 reads one byte at offset.
func ReadUint8(buf []byte, offset int) (uint8, int, error) {
	if offset < 0 || offset+1 > len(buf) {
		return 0, 0, ErrBufferUnderflow
	}
	return buf[offset], 1, nil
}

// ReadUint32 reads a fixed 4-byte big-endian integer at offset.
func ReadUint32(buf []byte, offset int) (uint32, int, error) {
	if offset < 0 || offset+4 > len(buf) {
		return 0, 0, ErrBufferUnderflow
	}
	return binary.BigEndian.Uint32(buf[offset:]), 4, nil
}

// ReadUint64 reads a fixed 8-byte big-endian integer at offset.
func ReadUint64(buf []byte, offset int) (uint64, int, error) {
	if offset < 0 || offset+8 > len(buf) {
		return 0, 0, ErrBufferUnderflow
	}
	return binary.BigEndian.Uint64(buf[offset:]), 8, nil
}

// ReadVarUint reads a variable-length unsigned integer at offset.
//
// A single byte with the top bit clear carries a 7-bit value directly.
// Otherwise the low 7 bits of the first byte give the length-of-length
// (1..8), followed by that many big-endian value bytes.
func ReadVarUint(buf []byte, offset int) (uint64, int, error) {
	if offset < 0 || offset >= len(buf) {
		return 0, 0, ErrBufferUnderflow
	}
	first := buf[offset]
	if first&0x80 == 0 {
		return uint64(first), 1, nil
	}
	n := int(first & 0x7F)
	if n == 0 || n > 8 {
		return 0, 0, ErrInvalidLength
	}
	if offset+1+n > len(buf) {
		return 0, 0, ErrBufferUnderflow
	}
	var v uint64
	for _, b := range buf[offset+1 : offset+1+n] {
		v = v<<8 | uint64(b)
	}
	return v, 1 + n, nil
}

// ReadVarOctets reads a length-prefixed octet string at offset. The returned
// slice aliases buf; callers must copy it if they outlive the buffer.
func ReadVarOctets(buf []byte, offset int) ([]byte, int, error) {
	length, n, err := ReadVarUint(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	start := offset + n
	if length > uint64(len(buf)-start) {
		return nil, 0, ErrInvalidLength
	}
	end := start + int(length)
	return buf[start:end:end], n + int(length), nil
}

// ReadFixedOctets reads exactly size bytes at offset, zero-copy.
func ReadFixedOctets(buf []byte, offset, size int) ([]byte, int, error) {
	if offset < 0 || size < 0 || offset+size > len(buf) {
		return nil, 0, ErrBufferUnderflow
	}
	end := offset + size
	return buf[offset:end:end], size, nil
}

// AppendUint8 appends a single byte.
func AppendUint8(dst []byte, v uint8) []byte {
	return append(dst, v)
}

// AppendUint32 appends a fixed 4-byte big-endian integer.
func AppendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// AppendUint64 appends a fixed 8-byte big-endian integer.
func AppendUint64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// AppendVarUint appends v using the canonical (minimal-length) variable
// unsigned integer encoding.
func AppendVarUint(dst []byte, v uint64) []byte {
	if v < 0x80 {
		return append(dst, byte(v))
	}
	n := 1
	for x := v >> 8; x != 0; x >>= 8 {
		n++
	}
	dst = append(dst, 0x80|byte(n))
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// AppendVarOctets appends a length-prefixed octet string.
func AppendVarOctets(dst, src []byte) []byte {
	dst = AppendVarUint(dst, uint64(len(src)))
	return append(dst, src...)
}
