// Package supervisor connects the agent to an OpAMP server and keeps it connected,
// identified and reporting health.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/config"
	"github.com/otelfleet/opamp-agent/pkg/frame"
	"github.com/otelfleet/opamp-agent/pkg/heartbeat"
	"github.com/otelfleet/opamp-agent/pkg/ident"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
	"github.com/otelfleet/opamp-agent/pkg/storage"
	"github.com/otelfleet/opamp-agent/pkg/transport"
	"go.uber.org/atomic"
)

const disconnectTimeout = 5 * time.Second

type Supervisor struct {
	services.Service

	logger  *slog.Logger
	cfg     config.Config
	metrics *metrics.Metrics

	agentId   ident.Identity
	startTime time.Time

	processor  *frame.Processor
	transport  transport.Transport
	dispatcher *frame.Dispatcher
	heartbeat  *heartbeat.Service

	agentDriver AgentDriver
	state       *storage.AgentState

	connected atomic.Bool
	ready     atomic.Bool

	// wake signals the run loop that server-requested work is pending. Listeners never send
	// from the receive path since an HTTP response is delivered while its request still
	// holds the dispatcher.
	wake             chan struct{}
	pendingMu        sync.Mutex
	pendingConfig    *protobufs.AgentRemoteConfig
	pendingFullState bool

	statusMu     sync.Mutex
	remoteStatus *protobufs.RemoteConfigStatus
}

// NewSupervisor wires the transport selected by the endpoint scheme to the frame processor,
// dispatcher and heartbeat service. state may be nil.
func NewSupervisor(
	logger *slog.Logger,
	cfg config.Config,
	tlsConfig *tls.Config,
	agentId ident.Identity,
	agentDriver AgentDriver,
	state *storage.AgentState,
	m *metrics.Metrics,
) *Supervisor {
	s := &Supervisor{
		logger:      logger,
		cfg:         cfg,
		metrics:     metrics.OrDiscard(m),
		agentId:     agentId,
		startTime:   time.Now(),
		agentDriver: agentDriver,
		state:       state,
		wake:        make(chan struct{}, 1),
	}
	s.processor = frame.NewProcessor(logger.With("component", "processor"), s.metrics)

	header := http.Header{}
	for k, v := range cfg.OpAMP.Headers {
		header.Set(k, v)
	}
	if cfg.OpAMP.IsWebSocket() {
		s.transport = transport.NewWebSocket(logger.With("transport", "websocket"), transport.WebSocketConfig{
			URL:               cfg.OpAMP.Endpoint,
			Header:            header,
			TLSConfig:         tlsConfig,
			ReceiveBufferSize: cfg.OpAMP.ReceiveBufferSize,
			SendBufferSize:    cfg.OpAMP.SendBufferSize,
			MaxMessageSize:    cfg.OpAMP.MaxMessageSize,
			HandshakeTimeout:  cfg.OpAMP.HandshakeTimeout,
		}, s.processor, s.metrics)
	} else {
		s.transport = transport.NewHTTP(logger.With("transport", "http"), transport.HTTPConfig{
			URL:            cfg.OpAMP.Endpoint,
			Header:         header,
			TLSConfig:      tlsConfig,
			MaxMessageSize: cfg.OpAMP.MaxMessageSize,
			Timeout:        cfg.OpAMP.RequestTimeout,
		}, s.processor, s.metrics)
	}

	s.dispatcher = frame.NewDispatcher(logger.With("component", "dispatcher"), s.transport, agentId.UniqueIdentifier().UUID, s.metrics)
	s.heartbeat = heartbeat.New(logger.With("component", "heartbeat"), s.dispatcher, s.processor, s.metrics)

	frame.Subscribe(s.processor, frame.ListenerFunc[*protobufs.ServerToAgent](s.onServerToAgent))
	frame.Subscribe(s.processor, frame.ListenerFunc[*protobufs.AgentRemoteConfig](s.onRemoteConfig))
	frame.Subscribe(s.processor, frame.ListenerFunc[*protobufs.ServerErrorResponse](s.onErrorResponse))
	frame.Subscribe(s.processor, frame.ListenerFunc[*protobufs.ServerToAgentCommand](s.onCommand))
	frame.Subscribe(s.processor, frame.ListenerFunc[*protobufs.AgentIdentification](s.onIdentification))

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

// Processor exposes the frame processor so other components can subscribe to server messages.
func (s *Supervisor) Processor() *frame.Processor { return s.processor }

func (s *Supervisor) Dispatcher() *frame.Dispatcher { return s.dispatcher }

// Ready reports whether the agent has identified itself to the server at least once.
func (s *Supervisor) Ready() bool { return s.ready.Load() }

// UpdateStatus sets the health reported by subsequent heartbeats.
func (s *Supervisor) UpdateStatus(st heartbeat.Status) {
	s.heartbeat.UpdateStatus(st)
}

func (s *Supervisor) starting(ctx context.Context) error {
	if err := s.heartbeat.Configure(heartbeat.Settings{
		Interval:           s.cfg.Heartbeat.Interval,
		InitialStatus:      s.cfg.Heartbeat.InitialStatus,
		WaitForFirstStatus: s.cfg.Heartbeat.WaitForFirstStatus,
	}); err != nil {
		return err
	}
	if s.state == nil {
		return nil
	}
	status, err := s.state.RemoteConfigStatus(ctx)
	if err != nil {
		return err
	}
	s.setRemoteStatus(status)

	// restore the last applied configuration if the driver lost it
	remote, err := s.state.RemoteConfig(ctx)
	if err != nil || remote == nil {
		return err
	}
	if len(s.agentDriver.GetCurrentHash()) == 0 {
		s.logger.Info("restoring persisted remote configuration")
		if err := s.agentDriver.Update(ctx, remote); err != nil {
			s.logger.With("err", err).Warn("failed to restore persisted remote configuration")
		}
	}
	return nil
}

func (s *Supervisor) running(ctx context.Context) error {
	first := true
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !first {
			s.metrics.Reconnects.Inc()
		}
		first = false
		s.connected.Store(true)
		s.metrics.Connected.Set(1)
		s.logger.Info("connected to OpAMP server")

		s.identify(ctx)
		if err := s.heartbeat.Start(ctx); err != nil && !errors.Is(err, heartbeat.ErrAlreadyStarted) {
			return err
		}

		if lost := s.serve(ctx); !lost {
			return nil
		}
		s.connected.Store(false)
		s.metrics.Connected.Set(0)
		s.logger.Warn("lost connection to OpAMP server, reconnecting")
	}
}

// serve handles server-requested work until the connection drops or ctx is done. It
// reports whether the connection was lost.
func (s *Supervisor) serve(ctx context.Context) bool {
	done := s.transport.Done()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-done:
			return true
		case <-s.wake:
			s.processPending(ctx)
		}
	}
}

func (s *Supervisor) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.OpAMP.Backoff.InitialInterval
	bo.MaxInterval = s.cfg.OpAMP.Backoff.MaxInterval
	bo.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := s.transport.Connect(ctx)
		if errors.Is(err, transport.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		s.logger.With("err", err, "retry-in", next).Warn("failed to connect to the server")
	})
}

func (s *Supervisor) identify(ctx context.Context) {
	agentID := s.agentId.UniqueIdentifier()
	s.logger.With("agentID", agentID.UUID).Info("sending agent description")
	health := s.heartbeat.Health()
	if health == nil {
		health = &protobufs.ComponentHealth{
			Healthy:            true,
			Status:             "connected",
			StartTimeUnixNano:  uint64(s.startTime.UnixNano()),
			StatusTimeUnixNano: uint64(time.Now().UnixNano()),
		}
	}
	err := s.dispatcher.SendIdentification(ctx, frame.Identification{
		Description:        Describe(agentID, s.cfg.Agent.Name),
		Capabilities:       Capabilities,
		Health:             health,
		EffectiveConfig:    s.createEffectiveConfigMsg(),
		RemoteConfigStatus: s.getRemoteStatus(),
	})
	if err != nil {
		s.logger.With("err", err).Error("failed to send agent identification")
		return
	}
	s.ready.Store(true)
}

func (s *Supervisor) onServerToAgent(_ context.Context, msg *protobufs.ServerToAgent) {
	if msg.GetFlags()&uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState) == 0 {
		return
	}
	s.logger.Debug("server requested full state")
	s.pendingMu.Lock()
	s.pendingFullState = true
	s.pendingMu.Unlock()
	s.signal()
}

func (s *Supervisor) onRemoteConfig(_ context.Context, cfg *protobufs.AgentRemoteConfig) {
	s.logger.With("type", "remote-config").Info("received remote configuration update")
	s.pendingMu.Lock()
	// only the latest configuration matters
	s.pendingConfig = cfg
	s.pendingMu.Unlock()
	s.signal()
}

func (s *Supervisor) onErrorResponse(_ context.Context, resp *protobufs.ServerErrorResponse) {
	l := s.logger.With("err", resp.GetErrorMessage(), "type", resp.GetType().String())
	if retry := resp.GetRetryInfo(); retry != nil {
		l = l.With("retry-after", time.Duration(retry.GetRetryAfterNanoseconds()))
	}
	l.Error("server returned an error response")
}

func (s *Supervisor) onCommand(_ context.Context, cmd *protobufs.ServerToAgentCommand) {
	s.logger.With("command", cmd.GetType().String()).Warn("ignoring unsupported server command")
}

func (s *Supervisor) onIdentification(_ context.Context, id *protobufs.AgentIdentification) {
	s.logger.With("offered", id.GetNewInstanceUid()).Warn("server offered a new instance uid, keeping the stable one")
}

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) processPending(ctx context.Context) {
	s.pendingMu.Lock()
	cfg, fullState := s.pendingConfig, s.pendingFullState
	s.pendingConfig, s.pendingFullState = nil, false
	s.pendingMu.Unlock()

	if cfg != nil {
		s.applyRemoteConfig(ctx, cfg)
	}
	if fullState {
		s.identify(ctx)
	}
}

func (s *Supervisor) applyRemoteConfig(ctx context.Context, incoming *protobufs.AgentRemoteConfig) {
	l := s.logger.With("type", "remote-config")
	status := &protobufs.RemoteConfigStatus{
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
		LastRemoteConfigHash: incoming.GetConfigHash(),
	}
	if err := s.agentDriver.Update(ctx, incoming); err != nil {
		l.With("err", err).Error("failed to apply remote configuration")
		status = &protobufs.RemoteConfigStatus{
			Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED,
			LastRemoteConfigHash: incoming.GetConfigHash(),
			ErrorMessage:         err.Error(),
		}
		s.heartbeat.UpdateStatus(heartbeat.Status{Healthy: false, Status: "remote config failed", LastError: err.Error()})
	} else {
		s.heartbeat.UpdateStatus(heartbeat.Status{Healthy: true, Status: "running"})
		if s.state != nil {
			if err := s.state.SetRemoteConfig(ctx, incoming); err != nil {
				l.With("err", err).Warn("failed to persist remote configuration")
			}
		}
	}
	s.setRemoteStatus(status)
	if s.state != nil {
		if err := s.state.SetRemoteConfigStatus(ctx, status); err != nil {
			l.With("err", err).Warn("failed to persist remote config status")
		}
	}

	l.With("cur-hash", s.agentDriver.GetCurrentHash(), "status", status.GetStatus().String()).Info("sending remote status update")
	if err := s.dispatcher.SendRemoteConfigStatus(ctx, status); err != nil {
		l.With("err", err).Error("failed to report remote config status to upstream server")
	}
}

func (s *Supervisor) setRemoteStatus(status *protobufs.RemoteConfigStatus) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.remoteStatus = status
}

func (s *Supervisor) getRemoteStatus() *protobufs.RemoteConfigStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.remoteStatus
}

func (s *Supervisor) createEffectiveConfigMsg() *protobufs.EffectiveConfig {
	contents, err := s.agentDriver.GetConfigMap()
	if err != nil {
		s.logger.With("err", err).Error("failed to get effective config from agent driver")
		return defaultEffectiveConfig
	}
	return &protobufs.EffectiveConfig{
		ConfigMap: contents,
	}
}

func (s *Supervisor) stopping(_ error) error {
	if err := s.heartbeat.Dispose(); err != nil {
		s.logger.With("err", err).Error("failed to stop heartbeat")
	}
	if s.connected.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		if err := s.dispatcher.SendDisconnect(ctx); err != nil {
			s.logger.With("err", err).Warn("failed to send disconnect")
		}
		cancel()
	}
	if err := s.agentDriver.Shutdown(); err != nil {
		s.logger.With("err", err).Error("failed to shutdown agent driver")
	}
	s.metrics.Connected.Set(0)
	return s.transport.Close()
}

var defaultEffectiveConfig = &protobufs.EffectiveConfig{
	ConfigMap: &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"default": {
				Body:        []byte("none"),
				ContentType: "text/yaml",
			},
		},
	},
}
