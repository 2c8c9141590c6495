package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/buffer"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/protobuf/proto"
)

const labelHTTP = "http"

// DefaultHTTPBacklog is the number of server responses waiting for delivery before new ones
// are dropped.
const DefaultHTTPBacklog = 64

type HTTPConfig struct {
	URL       string
	Header    http.Header
	TLSConfig *tls.Config
	// MaxMessageSize bounds a response body.
	MaxMessageSize int
	Timeout        time.Duration
	// Client overrides the instrumented default client.
	Client *http.Client
	// Backlog bounds the responses queued for the frame handler.
	Backlog int
}

// HTTP is the OpAMP plain HTTP transport. Every message is a POST and the response body,
// if any, is the server's reply. Frames carry no protocol header.
//
// Responses reach the FrameHandler from a delivery goroutine after Send returns, so a
// handler may send again without waiting on the caller of Send.
type HTTP struct {
	logger  *slog.Logger
	cfg     HTTPConfig
	handler FrameHandler
	metrics *metrics.Metrics
	client  *http.Client

	frames    chan []byte
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

var _ Transport = (*HTTP)(nil)

func NewHTTP(logger *slog.Logger, cfg HTTPConfig, handler FrameHandler, m *metrics.Metrics) *HTTP {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultHTTPBacklog
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: cfg.TLSConfig,
			}),
			Timeout: cfg.Timeout,
		}
	}
	return &HTTP{
		logger:  logger,
		cfg:     cfg,
		handler: handler,
		metrics: metrics.OrDiscard(m),
		client:  client,
		frames:  make(chan []byte, cfg.Backlog),
		done:    make(chan struct{}),
	}
}

func (h *HTTP) startDelivery() {
	h.startOnce.Do(func() { go h.deliver() })
}

func (h *HTTP) deliver() {
	ctx := context.Background()
	for {
		select {
		case <-h.done:
			return
		case body := <-h.frames:
			if err := h.handler.OnServerFrame(ctx, buffer.FromBytes(body), false); err != nil {
				h.logger.With("err", err).Warn("failed to process server response")
				continue
			}
			h.metrics.FramesReceived.WithLabelValues(labelHTTP).Inc()
		}
	}
}

// Connect only checks the transport is usable; HTTP has no long-lived connection.
func (h *HTTP) Connect(_ context.Context) error {
	select {
	case <-h.done:
		return &Error{Op: "connect", Err: ErrClosed}
	default:
	}
	if h.cfg.URL == "" {
		return &Error{Op: "connect", Err: errors.New("missing server url")}
	}
	h.startDelivery()
	return nil
}

func (h *HTTP) Send(ctx context.Context, msg *protobufs.AgentToServer) error {
	select {
	case <-h.done:
		return &Error{Op: "send", Err: ErrClosed}
	default:
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return &Error{Op: "marshal", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	for k, vs := range h.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentTypeProtobuf)

	resp, err := h.client.Do(req)
	if err != nil {
		h.metrics.SendFailures.WithLabelValues(labelHTTP).Inc()
		return &Error{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.metrics.SendFailures.WithLabelValues(labelHTTP).Inc()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &Error{Op: "send", StatusCode: resp.StatusCode, Reason: reasonPhrase(resp)}
	}
	h.metrics.FramesSent.WithLabelValues(labelHTTP).Inc()
	h.metrics.BytesSent.WithLabelValues(labelHTTP).Add(float64(len(data)))

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(h.cfg.MaxMessageSize)+1))
	if err != nil {
		return &Error{Op: "receive", Err: err}
	}
	if len(body) > h.cfg.MaxMessageSize {
		h.metrics.FramesDropped.WithLabelValues(metrics.ReasonTooLarge).Inc()
		return &Error{Op: "receive", Err: ErrMessageTooLarge}
	}
	if len(body) == 0 {
		return nil
	}
	h.metrics.BytesReceived.WithLabelValues(labelHTTP).Add(float64(len(body)))

	h.startDelivery()
	select {
	case h.frames <- body:
	case <-h.done:
	default:
		// never block here: Send may be running on the delivery goroutine itself
		h.metrics.FramesDropped.WithLabelValues(metrics.ReasonBacklog).Inc()
		h.logger.With("backlog", cap(h.frames)).Warn("dropping server response, delivery backlog full")
	}
	return nil
}

// Done is closed only by Close.
func (h *HTTP) Done() <-chan struct{} {
	return h.done
}

func (h *HTTP) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.client.CloseIdleConnections()
	})
	return nil
}
