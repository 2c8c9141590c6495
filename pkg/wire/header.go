package wire

import (
	"errors"
	"fmt"
)

// ProtocolHeader is the varint value that prefixes every OpAMP WebSocket message.
const ProtocolHeader uint64 = 0

var ErrHeaderMismatch = errors.New("unexpected opamp protocol header")

// HeaderLen is the encoded size of ProtocolHeader.
var HeaderLen = SizeVarint(ProtocolHeader)

// AppendHeader appends the protocol header to b.
func AppendHeader(b []byte) []byte {
	return AppendVarint(b, ProtocolHeader)
}

// StripHeader validates the leading protocol header and returns the remaining message bytes.
func StripHeader(b []byte) ([]byte, error) {
	v, n, err := DecodeVarint(b)
	if err != nil {
		return nil, err
	}
	if v != ProtocolHeader {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrHeaderMismatch, v, ProtocolHeader)
	}
	return b[n:], nil
}
