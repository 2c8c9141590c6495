package heartbeat_test

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/buffer"
	"github.com/otelfleet/opamp-agent/pkg/frame"
	"github.com/otelfleet/opamp-agent/pkg/heartbeat"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
	"github.com/otelfleet/opamp-agent/pkg/util/testutil"
	"github.com/otelfleet/opamp-agent/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

type fixture struct {
	transport *testutil.MockTransport
	processor *frame.Processor
	svc       *heartbeat.Service
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	mt := testutil.NewMockTransport()
	p := frame.NewProcessor(slog.Default(), m)
	d := frame.NewDispatcher(slog.Default(), mt, uuid.Nil, m)
	svc := heartbeat.New(slog.Default(), d, p, m)
	t.Cleanup(func() { _ = svc.Dispose() })
	return &fixture{transport: mt, processor: p, svc: svc, metrics: m}
}

func (f *fixture) pushInterval(t *testing.T, secs uint64) {
	t.Helper()
	b := wire.AppendHeader(nil)
	b, err := proto.MarshalOptions{}.MarshalAppend(b, &protobufs.ServerToAgent{
		ConnectionSettings: &protobufs.ConnectionSettingsOffers{
			Opamp: &protobufs.OpAMPConnectionSettings{HeartbeatIntervalSeconds: secs},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.processor.OnServerFrame(t.Context(), buffer.FromBytes(b), true))
}

func TestHeartbeatCadence(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Configure(heartbeat.Settings{
		Interval:           300 * time.Millisecond,
		WaitForFirstStatus: true,
	}))
	f.svc.UpdateStatus(heartbeat.Status{Healthy: true, Status: "running"})
	require.NoError(t, f.svc.Start(t.Context()))

	time.Sleep(1600 * time.Millisecond)
	require.NoError(t, f.svc.Stop())

	sent := f.transport.Sent()
	assert.GreaterOrEqual(t, len(sent), 5)
	for _, m := range sent {
		h := m.GetHealth()
		require.NotNil(t, h)
		assert.True(t, h.GetHealthy())
		assert.Equal(t, "running", h.GetStatus())
		assert.NotZero(t, h.GetStartTimeUnixNano())
		assert.NotZero(t, h.GetStatusTimeUnixNano())
	}
}

func TestNoHeartbeatBeforeFirstStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Configure(heartbeat.Settings{
		Interval:           50 * time.Millisecond,
		WaitForFirstStatus: true,
	}))
	require.NoError(t, f.svc.Start(t.Context()))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.transport.SentCount())
	assert.Positive(t, promtest.ToFloat64(f.metrics.Heartbeats.WithLabelValues(metrics.HeartbeatSkipped)))

	f.svc.UpdateStatus(heartbeat.Status{Healthy: false, LastError: "collector down"})
	require.Eventually(t, func() bool { return f.transport.SentCount() > 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "collector down", f.transport.Sent()[0].GetHealth().GetLastError())
}

func TestInitialStatusSynthesized(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Configure(heartbeat.Settings{
		Interval:      20 * time.Millisecond,
		InitialStatus: "starting",
	}))
	require.NoError(t, f.svc.Start(t.Context()))
	require.Eventually(t, func() bool { return f.transport.SentCount() > 0 }, time.Second, 10*time.Millisecond)

	h := f.transport.Sent()[0].GetHealth()
	assert.True(t, h.GetHealthy())
	assert.Equal(t, "starting", h.GetStatus())
}

func TestServerIntervalBeforeConfigure(t *testing.T) {
	f := newFixture(t)
	f.pushInterval(t, 7)
	assert.Zero(t, f.svc.Interval())

	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: time.Minute}))
	assert.Equal(t, 7*time.Second, f.svc.Interval())

	// later local configuration does not override the server
	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: 2 * time.Minute}))
	assert.Equal(t, 7*time.Second, f.svc.Interval())
}

func TestServerIntervalWhileRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: time.Hour}))
	require.NoError(t, f.svc.Start(t.Context()))

	f.pushInterval(t, 1)
	assert.Equal(t, time.Second, f.svc.Interval())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.HeartbeatInterval))
	require.Eventually(t, func() bool { return f.transport.SentCount() > 0 }, 3*time.Second, 20*time.Millisecond)

	f.pushInterval(t, 0)
	assert.Equal(t, time.Second, f.svc.Interval(), "zero interval is ignored")
}

func TestConfigureTwiceLatestWins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: time.Minute}))
	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: 5 * time.Second}))
	assert.Equal(t, 5*time.Second, f.svc.Interval())

	require.NoError(t, f.svc.Configure(heartbeat.Settings{}))
	assert.Equal(t, heartbeat.DefaultInterval, f.svc.Interval())
}

func TestStateErrors(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.svc.Start(t.Context()), heartbeat.ErrNotConfigured)
	require.ErrorIs(t, f.svc.Start(t.Context()), heartbeat.ErrInvalidState)

	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: time.Minute}))
	require.NoError(t, f.svc.Start(t.Context()))
	require.ErrorIs(t, f.svc.Start(t.Context()), heartbeat.ErrAlreadyStarted)

	require.NoError(t, f.svc.Stop())
	require.NoError(t, f.svc.Stop())
	require.NoError(t, f.svc.Start(t.Context()), "a stopped service can be restarted")

	require.NoError(t, f.svc.Dispose())
	require.ErrorIs(t, f.svc.Start(t.Context()), heartbeat.ErrDisposed)
	require.ErrorIs(t, f.svc.Configure(heartbeat.Settings{}), heartbeat.ErrDisposed)
	require.NoError(t, f.svc.Stop())
}

func TestStopUnsubscribes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: time.Minute}))
	require.NoError(t, f.svc.Start(t.Context()))
	require.NoError(t, f.svc.Stop())

	f.pushInterval(t, 3)
	assert.Equal(t, time.Minute, f.svc.Interval())
}

func TestSendFailureKeepsLoopRunning(t *testing.T) {
	f := newFixture(t)
	fails := 0
	f.transport.SendFn = func(context.Context, *protobufs.AgentToServer) error {
		if fails < 2 {
			fails++
			return errors.New("connection reset")
		}
		return nil
	}
	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: 20 * time.Millisecond}))
	require.NoError(t, f.svc.Start(t.Context()))

	require.Eventually(t, func() bool { return f.transport.SentCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.svc.Stop())
	assert.Equal(t, 2.0, promtest.ToFloat64(f.metrics.Heartbeats.WithLabelValues(metrics.HeartbeatFailed)))
}

func TestHealthReflectsLastStatus(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.svc.Health())

	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: time.Hour, InitialStatus: "starting"}))
	h := f.svc.Health()
	require.NotNil(t, h)
	assert.True(t, h.GetHealthy())
	assert.Equal(t, "starting", h.GetStatus())
	assert.NotZero(t, h.GetStartTimeUnixNano())

	f.svc.UpdateStatus(heartbeat.Status{Healthy: false, Status: "degraded", LastError: "exporter down"})
	h = f.svc.Health()
	assert.False(t, h.GetHealthy())
	assert.Equal(t, "exporter down", h.GetLastError())
	assert.GreaterOrEqual(t, h.GetStatusTimeUnixNano(), h.GetStartTimeUnixNano())
}

func TestServerIntervalOutOfRangeIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: time.Hour}))
	require.NoError(t, f.svc.Start(t.Context()))

	for _, secs := range []uint64{9223372037, math.MaxUint64} {
		require.NotPanics(t, func() { f.pushInterval(t, secs) })
		assert.Equal(t, time.Hour, f.svc.Interval())
	}

	f.pushInterval(t, 9223372036)
	assert.Equal(t, time.Duration(9223372036)*time.Second, f.svc.Interval())
	require.NoError(t, f.svc.Stop())
}

func TestStartStampsStartTime(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Configure(heartbeat.Settings{Interval: time.Hour, InitialStatus: "starting"}))
	configured := f.svc.Health().GetStartTimeUnixNano()

	time.Sleep(5 * time.Millisecond)
	before := uint64(time.Now().UnixNano())
	require.NoError(t, f.svc.Start(t.Context()))
	started := f.svc.Health().GetStartTimeUnixNano()
	assert.GreaterOrEqual(t, started, before)
	assert.Greater(t, started, configured)

	require.NoError(t, f.svc.Stop())
	require.NoError(t, f.svc.Start(t.Context()))
	assert.GreaterOrEqual(t, f.svc.Health().GetStartTimeUnixNano(), started)
	require.NoError(t, f.svc.Stop())
}
