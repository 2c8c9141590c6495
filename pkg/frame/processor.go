// Package frame decodes inbound server frames for in-process subscribers and sequences
// outbound agent messages onto a transport.
package frame

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/buffer"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
	"github.com/otelfleet/opamp-agent/pkg/transport"
	"github.com/otelfleet/opamp-agent/pkg/wire"
	"google.golang.org/protobuf/proto"
)

// Listener receives one kind of server message. Callbacks for successive frames on a
// connection are never concurrent with each other.
type Listener[T proto.Message] interface {
	HandleMessage(ctx context.Context, msg T)
}

type ListenerFunc[T proto.Message] func(ctx context.Context, msg T)

func (f ListenerFunc[T]) HandleMessage(ctx context.Context, msg T) { f(ctx, msg) }

type kind int

const (
	kindServerToAgent kind = iota
	kindConnectionSettings
	kindRemoteConfig
	kindCustomMessage
	kindCommand
	kindErrorResponse
	kindPackagesAvailable
	kindIdentification
	kindCustomCapabilities
	numKinds
)

func kindOf(m proto.Message) (kind, bool) {
	switch m.(type) {
	case *protobufs.ServerToAgent:
		return kindServerToAgent, true
	case *protobufs.ConnectionSettingsOffers:
		return kindConnectionSettings, true
	case *protobufs.AgentRemoteConfig:
		return kindRemoteConfig, true
	case *protobufs.CustomMessage:
		return kindCustomMessage, true
	case *protobufs.ServerToAgentCommand:
		return kindCommand, true
	case *protobufs.ServerErrorResponse:
		return kindErrorResponse, true
	case *protobufs.PackagesAvailable:
		return kindPackagesAvailable, true
	case *protobufs.AgentIdentification:
		return kindIdentification, true
	case *protobufs.CustomCapabilities:
		return kindCustomCapabilities, true
	}
	return 0, false
}

// subscriber is held by pointer so that equal listener values registered twice stay distinct.
type subscriber struct {
	deliver func(ctx context.Context, msg proto.Message)
}

// Processor decodes ServerToAgent frames and fans the present sub-messages out to subscribers.
type Processor struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs [numKinds][]*subscriber
}

var _ transport.FrameHandler = (*Processor)(nil)

func NewProcessor(logger *slog.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		logger:  logger,
		metrics: metrics.OrDiscard(m),
	}
}

// Subscription is returned by Subscribe.
type Subscription struct {
	p    *Processor
	k    kind
	sub  *subscriber
	once sync.Once
}

// Unsubscribe removes the listener. It is idempotent and may be called from inside the
// listener's own callback; a dispatch already in progress is not affected.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.p.mu.Lock()
		defer s.p.mu.Unlock()
		s.p.subs[s.k] = slices.DeleteFunc(slices.Clone(s.p.subs[s.k]), func(o *subscriber) bool {
			return o == s.sub
		})
	})
}

// Subscribe registers l for messages of type T. T must be *protobufs.ServerToAgent or one of
// its sub-message types; any other type panics.
func Subscribe[T proto.Message](p *Processor, l Listener[T]) *Subscription {
	var zero T
	k, ok := kindOf(zero)
	if !ok {
		panic(fmt.Sprintf("frame: unsupported listener message type %T", zero))
	}
	sub := &subscriber{
		deliver: func(ctx context.Context, msg proto.Message) {
			l.HandleMessage(ctx, msg.(T))
		},
	}
	p.mu.Lock()
	p.subs[k] = append(p.subs[k], sub)
	p.mu.Unlock()
	return &Subscription{p: p, k: k, sub: sub}
}

// OnServerFrame decodes one frame and dispatches it. The sequence is not retained.
func (p *Processor) OnServerFrame(ctx context.Context, seq buffer.Sequence, verifyHeader bool) error {
	// proto.Unmarshal wants contiguous input: a single segment is used in place, a
	// multi-segment frame is flattened once. The segments stay valid until we return.
	data := seq.Bytes()
	if verifyHeader {
		body, err := wire.StripHeader(data)
		if err != nil {
			p.logger.With("err", err).Warn("discarding server frame with unexpected header")
			p.metrics.FramesDropped.WithLabelValues(metrics.ReasonHeaderMismatch).Inc()
			return err
		}
		data = body
	}

	msg := &protobufs.ServerToAgent{}
	if err := proto.Unmarshal(data, msg); err != nil {
		p.logger.With("err", err, "size", len(data)).Warn("discarding undecodable server frame")
		p.metrics.FramesDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return fmt.Errorf("decode server frame: %w", err)
	}
	p.dispatch(ctx, msg)
	return nil
}

func (p *Processor) dispatch(ctx context.Context, msg *protobufs.ServerToAgent) {
	p.deliver(ctx, kindServerToAgent, msg)
	if v := msg.GetConnectionSettings(); v != nil {
		p.deliver(ctx, kindConnectionSettings, v)
	}
	if v := msg.GetRemoteConfig(); v != nil {
		p.deliver(ctx, kindRemoteConfig, v)
	}
	if v := msg.GetCustomMessage(); v != nil {
		p.deliver(ctx, kindCustomMessage, v)
	}
	if v := msg.GetCommand(); v != nil {
		p.deliver(ctx, kindCommand, v)
	}
	if v := msg.GetErrorResponse(); v != nil {
		p.deliver(ctx, kindErrorResponse, v)
	}
	if v := msg.GetPackagesAvailable(); v != nil {
		p.deliver(ctx, kindPackagesAvailable, v)
	}
	if v := msg.GetAgentIdentification(); v != nil {
		p.deliver(ctx, kindIdentification, v)
	}
	if v := msg.GetCustomCapabilities(); v != nil {
		p.deliver(ctx, kindCustomCapabilities, v)
	}
}

func (p *Processor) deliver(ctx context.Context, k kind, msg proto.Message) {
	// subscriber slices are copy-on-write, so the snapshot is stable while callbacks run
	p.mu.RLock()
	subs := p.subs[k]
	p.mu.RUnlock()
	for _, s := range subs {
		s.deliver(ctx, msg)
	}
}
