package frame

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
	"github.com/otelfleet/opamp-agent/pkg/transport"
	"github.com/otelfleet/opamp-agent/pkg/util"
	"go.uber.org/atomic"
)

// Payload fills the body of an outbound message. InstanceUid and SequenceNum are owned by
// the Dispatcher and must not be set.
type Payload interface {
	Apply(msg *protobufs.AgentToServer)
}

type PayloadFunc func(msg *protobufs.AgentToServer)

func (f PayloadFunc) Apply(msg *protobufs.AgentToServer) { f(msg) }

// Identification announces the agent. It is sent after every (re)connect and whenever the
// server asks for full state.
type Identification struct {
	Description        *protobufs.AgentDescription
	Capabilities       protobufs.AgentCapabilities
	Health             *protobufs.ComponentHealth
	EffectiveConfig    *protobufs.EffectiveConfig
	RemoteConfigStatus *protobufs.RemoteConfigStatus
}

func (i Identification) Apply(msg *protobufs.AgentToServer) {
	msg.AgentDescription = i.Description
	msg.Capabilities = uint64(i.Capabilities)
	msg.Health = i.Health
	msg.EffectiveConfig = i.EffectiveConfig
	msg.RemoteConfigStatus = i.RemoteConfigStatus
}

type heartbeat struct {
	health *protobufs.ComponentHealth
}

func (h heartbeat) Apply(msg *protobufs.AgentToServer) {
	msg.Health = h.health
}

// Dispatcher stamps outbound messages with the instance UID and the next sequence number.
// Sequence numbers start at 1 and are assigned in the order messages reach the wire.
type Dispatcher struct {
	logger    *slog.Logger
	transport transport.Transport
	metrics   *metrics.Metrics
	uid       uuid.UUID

	// sendMu makes number assignment and Send one step, so the server never observes a
	// reordered sequence.
	sendMu sync.Mutex
	seq    atomic.Uint64
}

// NewDispatcher returns a Dispatcher sending through t. A zero uid is replaced by a fresh
// time-ordered UUID.
func NewDispatcher(logger *slog.Logger, t transport.Transport, uid uuid.UUID, m *metrics.Metrics) *Dispatcher {
	if uid == uuid.Nil {
		uid = util.NewInstanceUID()
	}
	return &Dispatcher{
		logger:    logger,
		transport: t,
		metrics:   metrics.OrDiscard(m),
		uid:       uid,
	}
}

// Dispatch sends one message carrying p. A failed send still consumes its sequence number;
// the server will see the gap and ask for full state.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) error {
	msg := &protobufs.AgentToServer{
		InstanceUid: d.uid[:],
	}
	p.Apply(msg)

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	msg.SequenceNum = d.seq.Inc()
	d.metrics.SequenceNum.Set(float64(msg.SequenceNum))
	if err := d.transport.Send(ctx, msg); err != nil {
		d.logger.With("err", err, "seq", msg.SequenceNum).Debug("dispatch failed")
		return err
	}
	return nil
}

func (d *Dispatcher) SendIdentification(ctx context.Context, id Identification) error {
	return d.Dispatch(ctx, id)
}

func (d *Dispatcher) SendHeartbeat(ctx context.Context, health *protobufs.ComponentHealth) error {
	return d.Dispatch(ctx, heartbeat{health: health})
}

func (d *Dispatcher) SendRemoteConfigStatus(ctx context.Context, status *protobufs.RemoteConfigStatus) error {
	return d.Dispatch(ctx, PayloadFunc(func(msg *protobufs.AgentToServer) {
		msg.RemoteConfigStatus = status
	}))
}

// SendDisconnect tells the server the agent is going away on purpose.
func (d *Dispatcher) SendDisconnect(ctx context.Context) error {
	return d.Dispatch(ctx, PayloadFunc(func(msg *protobufs.AgentToServer) {
		msg.AgentDisconnect = &protobufs.AgentDisconnect{}
	}))
}

// LastSequenceNum is the number given to the most recent message, or 0 before the first.
func (d *Dispatcher) LastSequenceNum() uint64 {
	return d.seq.Load()
}

func (d *Dispatcher) InstanceUID() uuid.UUID {
	return d.uid
}
