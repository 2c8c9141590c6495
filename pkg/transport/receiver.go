package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/otelfleet/opamp-agent/pkg/buffer"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
)

// receiver owns the read side of one websocket connection. It runs on its own goroutine
// and hands each complete message to the frame handler before reading the next one.
type receiver struct {
	logger  *slog.Logger
	conn    *websocket.Conn
	handler FrameHandler
	pool    *buffer.Pool
	metrics *metrics.Metrics

	// primary is reused for every message and never returned to the pool.
	primary        []byte
	maxMessageSize int
}

func (r *receiver) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()

	for {
		mt, rd, err := r.conn.NextReader()
		if err != nil {
			r.logClosed(ctx, err)
			return
		}
		if mt != websocket.BinaryMessage {
			r.logger.With("type", mt).Warn("discarding non-binary websocket message")
			r.metrics.FramesDropped.WithLabelValues(metrics.ReasonNotBinary).Inc()
			continue
		}

		seq, overflow, err := r.readMessage(rd)
		if err != nil {
			r.release(overflow)
			if errors.Is(err, ErrMessageTooLarge) {
				r.closeTooLarge()
				return
			}
			r.logClosed(ctx, err)
			return
		}
		r.metrics.BytesReceived.WithLabelValues(labelWebSocket).Add(float64(seq.Len()))

		if err := r.handler.OnServerFrame(ctx, seq, true); err == nil {
			r.metrics.FramesReceived.WithLabelValues(labelWebSocket).Inc()
		}
		// decoding reads straight from the rented memory, so buffers go back only now
		r.release(overflow)
	}
}

// readMessage reads one message into the primary buffer, renting overflow buffers from the
// pool whenever the current one is full. The returned overflow buffers belong to the caller
// even when an error is returned.
func (r *receiver) readMessage(rd io.Reader) (buffer.Sequence, [][]byte, error) {
	var overflow [][]byte
	cur, n, total := r.primary, 0, 0
	for {
		if n == len(cur) {
			cur, n = r.pool.Rent(), 0
			overflow = append(overflow, cur)
			r.metrics.OverflowBuffers.Inc()
		}
		m, err := rd.Read(cur[n:])
		n += m
		total += m
		if total > r.maxMessageSize {
			return buffer.Sequence{}, overflow, ErrMessageTooLarge
		}
		if errors.Is(err, io.EOF) {
			return buffer.Assemble(r.primary, overflow, n), overflow, nil
		}
		if err != nil {
			return buffer.Sequence{}, overflow, err
		}
	}
}

func (r *receiver) release(overflow [][]byte) {
	for _, b := range overflow {
		r.pool.Return(b)
	}
}

func (r *receiver) closeTooLarge() {
	r.logger.With("limit", r.maxMessageSize).Warn("inbound message too large, closing connection")
	r.metrics.FramesDropped.WithLabelValues(metrics.ReasonTooLarge).Inc()
	msg := websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "message too large")
	if err := r.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout)); err != nil {
		r.logger.With("err", err).Debug("failed to send close frame")
	}
	_ = r.conn.Close()
}

func (r *receiver) logClosed(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		r.logger.Debug("receive loop stopped")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		r.logger.With("err", err).Info("server closed the connection")
	default:
		r.logger.With("err", err).Warn("connection lost")
	}
}
