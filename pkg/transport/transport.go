// Package transport moves serialized OpAMP messages between the agent and the server over
// WebSocket or plain HTTP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/buffer"
)

const (
	DefaultReceiveBufferSize = 64 << 10
	DefaultSendBufferSize    = 64 << 10
	DefaultMaxMessageSize    = 16 << 20

	contentTypeProtobuf = "application/x-protobuf"
)

var (
	ErrNotConnected    = errors.New("transport is not connected")
	ErrClosed          = errors.New("transport is closed")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Transport sends agent-to-server messages and feeds server frames to a FrameHandler.
type Transport interface {
	// Connect establishes the connection. For WebSocket it also starts the receive loop.
	Connect(ctx context.Context) error
	// Send writes one message. Implementations are safe for concurrent use but make no
	// promise about the wire order of concurrent calls.
	Send(ctx context.Context, msg *protobufs.AgentToServer) error
	// Done is closed when the current connection is lost or the transport is closed.
	Done() <-chan struct{}
	Close() error
}

// FrameHandler consumes complete inbound frames. The sequence is only valid for the
// duration of the call.
type FrameHandler interface {
	OnServerFrame(ctx context.Context, seq buffer.Sequence, verifyHeader bool) error
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ctx context.Context, seq buffer.Sequence, verifyHeader bool) error

func (f FrameHandlerFunc) OnServerFrame(ctx context.Context, seq buffer.Sequence, verifyHeader bool) error {
	return f(ctx, seq, verifyHeader)
}

// Error is returned by transport operations that fail. StatusCode and Reason are set when
// the server answered with a non-success HTTP status.
type Error struct {
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("opamp transport ")
	sb.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status %d", e.StatusCode)
		if e.Reason != "" {
			sb.WriteString(" ")
			sb.WriteString(e.Reason)
		}
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
