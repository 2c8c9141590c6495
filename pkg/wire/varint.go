// Package wire implements the framing primitives shared by the OpAMP transports:
// the unsigned varint codec and the protocol header that prefixes every WebSocket frame.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxVarintLen is the longest encoding of a 64-bit value.
const MaxVarintLen = 10

var ErrMalformedVarint = errors.New("malformed varint")

// EncodeVarint encodes v using 7 bits per byte, least significant group first,
// with the continuation bit set on every byte except the last.
func EncodeVarint(v uint64) []byte {
	return AppendVarint(make([]byte, 0, protowire.SizeVarint(v)), v)
}

// AppendVarint appends the varint encoding of v to b.
func AppendVarint(b []byte, v uint64) []byte {
	return protowire.AppendVarint(b, v)
}

// SizeVarint returns the encoded length of v.
func SizeVarint(v uint64) int {
	return protowire.SizeVarint(v)
}

// DecodeVarint decodes a varint from the start of b and reports how many bytes it used.
// It fails if b ends before a terminating byte or if the encoding runs past 70 bits.
func DecodeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %w", ErrMalformedVarint, protowire.ParseError(n))
	}
	return v, n, nil
}
