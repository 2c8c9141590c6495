// Package heartbeat periodically reports agent health to the OpAMP server.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/frame"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
)

const DefaultInterval = 30 * time.Second

var (
	ErrInvalidState   = errors.New("invalid heartbeat service state")
	ErrNotConfigured  = fmt.Errorf("%w: not configured", ErrInvalidState)
	ErrAlreadyStarted = fmt.Errorf("%w: already started", ErrInvalidState)
	ErrDisposed       = fmt.Errorf("%w: disposed", ErrInvalidState)
)

type Settings struct {
	// Interval is used unless the server has pushed one.
	Interval time.Duration
	// InitialStatus is the status text of the synthesized first report.
	InitialStatus string
	// WaitForFirstStatus suppresses heartbeats until UpdateStatus is called.
	WaitForFirstStatus bool
}

type Status struct {
	Healthy   bool
	Status    string
	LastError string
}

func (st Status) health(start, at time.Time) *protobufs.ComponentHealth {
	return &protobufs.ComponentHealth{
		Healthy:            st.Healthy,
		Status:             st.Status,
		LastError:          st.LastError,
		StartTimeUnixNano:  uint64(start.UnixNano()),
		StatusTimeUnixNano: uint64(at.UnixNano()),
	}
}

// Sender delivers one health report. *frame.Dispatcher implements it.
type Sender interface {
	SendHeartbeat(ctx context.Context, health *protobufs.ComponentHealth) error
}

type state int

const (
	stateUnconfigured state = iota
	stateConfigured
	stateRunning
	stateStopped
	stateDisposed
)

func (s state) String() string {
	switch s {
	case stateUnconfigured:
		return "unconfigured"
	case stateConfigured:
		return "configured"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	case stateDisposed:
		return "disposed"
	}
	return "unknown"
}

type Service struct {
	logger    *slog.Logger
	sender    Sender
	processor *frame.Processor
	metrics   *metrics.Metrics

	// lifecycleMu serializes Start, Stop and Dispose so that Stop can wait for the loop
	// without holding mu.
	lifecycleMu sync.Mutex
	svc         services.Service

	mu        sync.Mutex
	state     state
	settings  Settings
	requested time.Duration // last interval pushed by the server, 0 if none
	interval  time.Duration
	ticker    *time.Ticker
	sub       *frame.Subscription

	status     *Status
	statusTime time.Time
	startTime  time.Time // reset by every Start
}

var _ frame.Listener[*protobufs.ConnectionSettingsOffers] = (*Service)(nil)

// New returns an unconfigured service. It subscribes to connection settings offers on p
// right away so that an interval pushed before Configure is honored.
func New(logger *slog.Logger, sender Sender, p *frame.Processor, m *metrics.Metrics) *Service {
	s := &Service{
		logger:    logger,
		sender:    sender,
		processor: p,
		metrics:   metrics.OrDiscard(m),
		startTime: time.Now(),
	}
	s.sub = frame.Subscribe[*protobufs.ConnectionSettingsOffers](p, s)
	return s
}

// Configure applies settings. It may be called again at any time; the latest call wins,
// except that a server-pushed interval keeps precedence over Settings.Interval.
func (s *Service) Configure(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return ErrDisposed
	}
	s.settings = settings
	s.interval = s.effectiveIntervalLocked()
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.interval)
		s.ticker.Stop()
	} else if s.state == stateRunning {
		s.ticker.Reset(s.interval)
	}
	s.metrics.HeartbeatInterval.Set(s.interval.Seconds())

	if s.status == nil && !settings.WaitForFirstStatus {
		s.status = &Status{Healthy: true, Status: settings.InitialStatus}
		s.statusTime = time.Now()
	}
	if s.state == stateUnconfigured {
		s.state = stateConfigured
	}
	return nil
}

func (s *Service) effectiveIntervalLocked() time.Duration {
	if s.requested > 0 {
		return s.requested
	}
	if s.settings.Interval > 0 {
		return s.settings.Interval
	}
	return DefaultInterval
}

// UpdateStatus records the status reported on the next tick.
func (s *Service) UpdateStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &st
	s.statusTime = time.Now()
}

// Health returns the last reported status as it would appear in the next heartbeat, or nil
// when nothing was reported yet.
func (s *Service) Health() *protobufs.ComponentHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return nil
	}
	return s.status.health(s.startTime, s.statusTime)
}

// maxOfferedSeconds is the largest offer that still fits a time.Duration.
const maxOfferedSeconds = uint64(math.MaxInt64 / int64(time.Second))

// HandleMessage applies a heartbeat interval offered by the server.
func (s *Service) HandleMessage(_ context.Context, offers *protobufs.ConnectionSettingsOffers) {
	secs := offers.GetOpamp().GetHeartbeatIntervalSeconds()
	if secs == 0 {
		return
	}
	if secs > maxOfferedSeconds {
		s.logger.With("seconds", secs).Warn("ignoring out of range heartbeat interval offered by server")
		return
	}
	d := time.Duration(secs) * time.Second

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return
	}
	s.requested = d
	if s.ticker == nil {
		s.logger.With("interval", d).Debug("stashing server heartbeat interval until configured")
		return
	}
	s.interval = d
	if s.state == stateRunning {
		s.ticker.Reset(d)
	}
	s.metrics.HeartbeatInterval.Set(d.Seconds())
	s.logger.With("interval", d).Info("heartbeat interval updated by server")
}

// Interval is the period currently in effect, or 0 before Configure.
func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case stateUnconfigured:
		s.mu.Unlock()
		return ErrNotConfigured
	case stateRunning:
		s.mu.Unlock()
		return ErrAlreadyStarted
	case stateDisposed:
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.sub == nil {
		s.sub = frame.Subscribe[*protobufs.ConnectionSettingsOffers](s.processor, s)
	}
	s.ticker.Reset(s.interval)
	ticks := s.ticker.C
	s.state = stateRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	s.svc = services.NewBasicService(nil, func(ctx context.Context) error {
		return s.loop(ctx, ticks)
	}, nil)
	if err := services.StartAndAwaitRunning(ctx, s.svc); err != nil {
		s.mu.Lock()
		s.ticker.Stop()
		s.state = stateStopped
		s.mu.Unlock()
		return fmt.Errorf("start heartbeat loop: %w", err)
	}
	s.logger.With("interval", s.Interval()).Info("heartbeat started")
	return nil
}

func (s *Service) loop(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	if s.status == nil {
		s.mu.Unlock()
		s.metrics.Heartbeats.WithLabelValues(metrics.HeartbeatSkipped).Inc()
		return
	}
	health := s.status.health(s.startTime, s.statusTime)
	timeout := s.interval
	s.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.sender.SendHeartbeat(sendCtx, health); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.With("err", err).Warn("failed to send heartbeat")
		s.metrics.Heartbeats.WithLabelValues(metrics.HeartbeatFailed).Inc()
		return
	}
	s.metrics.Heartbeats.WithLabelValues(metrics.HeartbeatSent).Inc()
}

// Stop unsubscribes from the processor and blocks until the loop has exited. Stopping a
// service that is not running is a no-op.
func (s *Service) Stop() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked(stateStopped)
}

// Dispose stops the service for good. Later Configure and Start calls fail with ErrDisposed.
func (s *Service) Dispose() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.stopLocked(stateDisposed)
}

func (s *Service) stopLocked(next state) error {
	s.mu.Lock()
	if s.state == stateDisposed {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.state == stateRunning
	if wasRunning || next == stateDisposed {
		s.state = next
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	sub := s.sub
	s.sub = nil
	svc := s.svc
	s.svc = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if !wasRunning || svc == nil {
		return nil
	}
	if err := services.StopAndAwaitTerminated(context.Background(), svc); err != nil {
		return fmt.Errorf("stop heartbeat loop: %w", err)
	}
	s.logger.Debug("heartbeat stopped")
	return nil
}
