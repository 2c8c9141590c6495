package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/buffer"
	"github.com/otelfleet/opamp-agent/pkg/logutil"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
	"github.com/otelfleet/opamp-agent/pkg/wire"
	"google.golang.org/protobuf/proto"
)

const (
	labelWebSocket = "websocket"
	closeTimeout   = time.Second
)

type WebSocketConfig struct {
	URL       string
	Header    http.Header
	TLSConfig *tls.Config

	// ReceiveBufferSize sizes the receiver's primary buffer and every pooled overflow buffer.
	ReceiveBufferSize int
	// SendBufferSize sizes the reusable send buffer. Larger messages are sent as a
	// fragmented websocket message in SendBufferSize chunks.
	SendBufferSize int
	// MaxMessageSize bounds an inbound message. Exceeding it closes the connection.
	MaxMessageSize int

	HandshakeTimeout time.Duration

	// Pool overrides the overflow buffer pool. Its buffer size must equal ReceiveBufferSize.
	Pool *buffer.Pool
}

func (c *WebSocketConfig) setDefaults() {
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 45 * time.Second
	}
	if c.Pool == nil {
		c.Pool = buffer.NewPool(c.ReceiveBufferSize)
	}
}

// WebSocket is the OpAMP WebSocket transport. Every frame is prefixed with the protocol
// header varint.
type WebSocket struct {
	logger  *slog.Logger
	cfg     WebSocketConfig
	handler FrameHandler
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	// mu serializes connection changes and writes; gorilla allows a single concurrent writer.
	mu      sync.Mutex
	conn    *websocket.Conn
	sendBuf []byte
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

var _ Transport = (*WebSocket)(nil)

func NewWebSocket(
	logger *slog.Logger,
	cfg WebSocketConfig,
	handler FrameHandler,
	m *metrics.Metrics,
) *WebSocket {
	cfg.setDefaults()
	return &WebSocket{
		logger:  logger,
		cfg:     cfg,
		handler: handler,
		metrics: metrics.OrDiscard(m),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  cfg.TLSConfig,
			ReadBufferSize:   cfg.ReceiveBufferSize,
			WriteBufferSize:  cfg.SendBufferSize,
		},
		sendBuf: make([]byte, 0, cfg.SendBufferSize),
		done:    closedCh,
	}
}

// Connect dials the server and starts the receive loop. Calling Connect while a previous
// connection is still alive is a no-op.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return &Error{Op: "connect", Err: ErrClosed}
	}
	if w.conn != nil {
		select {
		case <-w.done:
			// the previous receive loop has exited; drop its connection
			w.cancel()
			_ = w.conn.Close()
			w.conn = nil
		default:
			return nil
		}
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if err != nil {
		tErr := &Error{Op: "connect", Err: err}
		if resp != nil {
			tErr.StatusCode = resp.StatusCode
			tErr.Reason = reasonPhrase(resp)
		}
		return tErr
	}
	w.logger.With("url", w.cfg.URL).Debug("websocket connected")

	rctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r := &receiver{
		logger:         w.logger.With("loop", "receive"),
		conn:           conn,
		handler:        w.handler,
		pool:           w.cfg.Pool,
		primary:        make([]byte, w.cfg.ReceiveBufferSize),
		maxMessageSize: w.cfg.MaxMessageSize,
		metrics:        w.metrics,
	}
	go func() {
		defer close(done)
		r.run(rctx)
	}()

	w.conn = conn
	w.cancel = cancel
	w.done = done
	return nil
}

var marshalOpts = proto.MarshalOptions{}

func (w *WebSocket) Send(ctx context.Context, msg *protobufs.AgentToServer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return &Error{Op: "send", Err: ErrClosed}
	}
	if w.conn == nil {
		return &Error{Op: "send", Err: ErrNotConnected}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
		defer func() { _ = w.conn.SetWriteDeadline(time.Time{}) }()
	}

	size := wire.HeaderLen + proto.Size(msg)
	buf := w.sendBuf[:0]
	if size > cap(w.sendBuf) {
		buf = make([]byte, 0, grow(cap(w.sendBuf), size))
	}
	buf, err := marshalOpts.MarshalAppend(wire.AppendHeader(buf), msg)
	if err != nil {
		return &Error{Op: "marshal", Err: err}
	}
	if len(buf) <= cap(w.sendBuf) {
		err = w.conn.WriteMessage(websocket.BinaryMessage, buf)
	} else {
		err = w.writeChunkedLocked(buf)
	}
	if err != nil {
		w.metrics.SendFailures.WithLabelValues(labelWebSocket).Inc()
		return &Error{Op: "send", Err: err}
	}
	w.metrics.FramesSent.WithLabelValues(labelWebSocket).Inc()
	w.metrics.BytesSent.WithLabelValues(labelWebSocket).Add(float64(size))
	return nil
}

// writeChunkedLocked sends data as one fragmented message. Only the last physical frame
// carries the FIN bit.
func (w *WebSocket) writeChunkedLocked(data []byte) error {
	wr, err := w.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	chunk := w.cfg.SendBufferSize
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if _, err := wr.Write(data[off:end]); err != nil {
			_ = wr.Close()
			return err
		}
	}
	return wr.Close()
}

func (w *WebSocket) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Close sends a normal closure, stops the receive loop and waits for it to exit.
// The lock is released before waiting since listeners running on the receive loop may
// still be sending.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn, cancel, done := w.conn, w.cancel, w.done
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout)); err != nil {
		w.logger.With("err", err).Log(context.Background(), logutil.LevelTrace, "failed to send close frame")
	}
	cancel()
	_ = conn.Close()
	<-done
	return nil
}

func grow(have, need int) int {
	if have <= 0 {
		have = 1
	}
	for have < need {
		have *= 2
	}
	return have
}

func reasonPhrase(resp *http.Response) string {
	_, reason, _ := strings.Cut(resp.Status, " ")
	return reason
}
