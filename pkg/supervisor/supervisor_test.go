package supervisor_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/otelfleet/opamp-agent/pkg/config"
	"github.com/otelfleet/opamp-agent/pkg/ident"
	"github.com/otelfleet/opamp-agent/pkg/metrics"
	"github.com/otelfleet/opamp-agent/pkg/storage"
	otelpebble "github.com/otelfleet/opamp-agent/pkg/storage/pebble"
	"github.com/otelfleet/opamp-agent/pkg/supervisor"
	"github.com/otelfleet/opamp-agent/pkg/transport"
	"github.com/otelfleet/opamp-agent/pkg/util"
	"github.com/otelfleet/opamp-agent/pkg/util/testutil"
)

const waitFor = 5 * time.Second

type testAgent struct {
	sup     *supervisor.Supervisor
	metrics *metrics.Metrics
	uid     []byte
}

func testConfig(endpoint string) config.Config {
	return config.Config{
		OpAMP: config.OpAMPConfig{
			Endpoint:          endpoint,
			ReceiveBufferSize: transport.DefaultReceiveBufferSize,
			SendBufferSize:    transport.DefaultSendBufferSize,
			MaxMessageSize:    transport.DefaultMaxMessageSize,
			HandshakeTimeout:  5 * time.Second,
			RequestTimeout:    5 * time.Second,
			Backoff: config.BackoffConfig{
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
			},
		},
		Heartbeat: config.HeartbeatConfig{
			Interval:      time.Hour,
			InitialStatus: "starting",
		},
		Agent: config.AgentConfig{
			Name:   "test-agent",
			IDType: ident.IDTypeRandom,
		},
	}
}

func startAgent(t *testing.T, endpoint string, driver supervisor.AgentDriver, state *storage.AgentState) *testAgent {
	t.Helper()
	uid := util.NewInstanceUID()
	m := metrics.New(prometheus.NewRegistry())
	sup := supervisor.NewSupervisor(
		slog.Default().With("agent", "test"),
		testConfig(endpoint),
		nil,
		ident.Static(uid, ident.IDTypeRandom),
		driver,
		state,
		m,
	)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), sup))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), sup)
	})
	return &testAgent{sup: sup, metrics: m, uid: uid[:]}
}

func newAgentState(t *testing.T) *storage.AgentState {
	t.Helper()
	svc, err := otelpebble.NewService(slog.Default(), "")
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), svc))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), svc)
	})
	return storage.NewAgentState(slog.Default(), svc)
}

func endpoints(srv *testutil.OpAMPServer) map[string]string {
	return map[string]string{
		"websocket": srv.WebSocketURL(),
		"http":      srv.URL,
	}
}

func firstMatching(msgs []*protobufs.AgentToServer, pred func(*protobufs.AgentToServer) bool) *protobufs.AgentToServer {
	for _, m := range msgs {
		if pred(m) {
			return m
		}
	}
	return nil
}

func TestSupervisorIdentifiesFirst(t *testing.T) {
	srv := testutil.NewOpAMPServer(t)
	for name, endpoint := range endpoints(srv) {
		t.Run(name, func(t *testing.T) {
			a := startAgent(t, endpoint, testutil.NewMockAgentDriver(), nil)

			require.Eventually(t, a.sup.Ready, waitFor, 10*time.Millisecond)

			first := firstMatching(srv.Messages(), func(m *protobufs.AgentToServer) bool {
				return string(m.GetInstanceUid()) == string(a.uid)
			})
			require.NotNil(t, first)
			assert.Equal(t, uint64(1), first.GetSequenceNum())
			require.NotNil(t, first.GetAgentDescription())
			assert.NotZero(t, first.GetCapabilities()&uint64(protobufs.AgentCapabilities_AgentCapabilities_ReportsHeartbeat))
			assert.NotNil(t, first.GetHealth())
			assert.NotNil(t, first.GetEffectiveConfig())
			assert.Equal(t, float64(1), promtestutil.ToFloat64(a.metrics.Connected))
		})
	}
	assert.Zero(t, srv.Gaps())
}

func TestSupervisorAppliesRemoteConfig(t *testing.T) {
	remote := &protobufs.AgentRemoteConfig{
		Config: &protobufs.AgentConfigMap{
			ConfigMap: map[string]*protobufs.AgentConfigFile{
				"config.yaml": {ContentType: "text/yaml", Body: []byte("receivers: {}")},
			},
		},
		ConfigHash: []byte("hash-1"),
	}
	srv := testutil.NewOpAMPServer(t)
	srv.Respond = func(msg *protobufs.AgentToServer) *protobufs.ServerToAgent {
		if msg.GetAgentDescription() == nil {
			return nil
		}
		return &protobufs.ServerToAgent{RemoteConfig: remote}
	}

	for name, endpoint := range endpoints(srv) {
		t.Run(name, func(t *testing.T) {
			driver := testutil.NewMockAgentDriver()
			state := newAgentState(t)
			a := startAgent(t, endpoint, driver, state)

			var status *protobufs.AgentToServer
			require.Eventually(t, func() bool {
				status = firstMatching(srv.Messages(), func(m *protobufs.AgentToServer) bool {
					return string(m.GetInstanceUid()) == string(a.uid) && m.GetRemoteConfigStatus() != nil
				})
				return status != nil
			}, waitFor, 10*time.Millisecond)

			assert.Equal(t, protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED, status.GetRemoteConfigStatus().GetStatus())
			assert.Equal(t, []byte("hash-1"), status.GetRemoteConfigStatus().GetLastRemoteConfigHash())
			require.Len(t, driver.Applied(), 1)
			if diff := cmp.Diff(remote, driver.Applied()[0], protocmp.Transform()); diff != "" {
				t.Errorf("applied config mismatch (-want +got):\n%s", diff)
			}

			persisted, err := state.RemoteConfig(t.Context())
			require.NoError(t, err)
			if diff := cmp.Diff(remote, persisted, protocmp.Transform()); diff != "" {
				t.Errorf("persisted config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSupervisorReportsFailedRemoteConfig(t *testing.T) {
	srv := testutil.NewOpAMPServer(t)
	srv.Respond = func(msg *protobufs.AgentToServer) *protobufs.ServerToAgent {
		if msg.GetAgentDescription() == nil {
			return nil
		}
		return &protobufs.ServerToAgent{RemoteConfig: &protobufs.AgentRemoteConfig{
			Config:     &protobufs.AgentConfigMap{},
			ConfigHash: []byte("bad"),
		}}
	}
	driver := testutil.NewMockAgentDriver()
	driver.FailNext(errors.New("invalid pipeline"))
	_ = startAgent(t, srv.WebSocketURL(), driver, nil)

	var status *protobufs.RemoteConfigStatus
	require.Eventually(t, func() bool {
		m := firstMatching(srv.Messages(), func(m *protobufs.AgentToServer) bool {
			return m.GetRemoteConfigStatus() != nil
		})
		status = m.GetRemoteConfigStatus()
		return status != nil
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED, status.GetStatus())
	assert.Equal(t, "invalid pipeline", status.GetErrorMessage())
	assert.Empty(t, driver.Applied())
}

func TestSupervisorResendsFullStateOnRequest(t *testing.T) {
	srv := testutil.NewOpAMPServer(t)
	var asked atomic.Bool
	srv.Respond = func(_ *protobufs.AgentToServer) *protobufs.ServerToAgent {
		if asked.CompareAndSwap(false, true) {
			return &protobufs.ServerToAgent{
				Flags: uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState),
			}
		}
		return nil
	}
	_ = startAgent(t, srv.WebSocketURL(), testutil.NewMockAgentDriver(), nil)

	require.Eventually(t, func() bool {
		return len(srv.Messages()) >= 2
	}, waitFor, 10*time.Millisecond)

	msgs := srv.Messages()
	assert.Equal(t, uint64(2), msgs[1].GetSequenceNum())
	assert.NotNil(t, msgs[1].GetAgentDescription())
	assert.NotNil(t, msgs[1].GetEffectiveConfig())
}

func TestSupervisorReconnects(t *testing.T) {
	srv := testutil.NewOpAMPServer(t)
	a := startAgent(t, srv.WebSocketURL(), testutil.NewMockAgentDriver(), nil)

	require.Eventually(t, func() bool {
		return len(srv.Messages()) == 1 && srv.Connections() == 1
	}, waitFor, 10*time.Millisecond)

	srv.DropConnections()

	require.Eventually(t, func() bool {
		return len(srv.Messages()) >= 2
	}, waitFor, 10*time.Millisecond)

	msgs := srv.Messages()
	assert.NotNil(t, msgs[1].GetAgentDescription())
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].GetSequenceNum(), msgs[i-1].GetSequenceNum())
	}
	assert.Zero(t, srv.Gaps())
	assert.Equal(t, float64(1), promtestutil.ToFloat64(a.metrics.Reconnects))
}

func TestSupervisorDisconnectsOnStop(t *testing.T) {
	srv := testutil.NewOpAMPServer(t)
	for name, endpoint := range endpoints(srv) {
		t.Run(name, func(t *testing.T) {
			driver := testutil.NewMockAgentDriver()
			a := startAgent(t, endpoint, driver, nil)
			require.Eventually(t, a.sup.Ready, waitFor, 10*time.Millisecond)

			require.NoError(t, services.StopAndAwaitTerminated(t.Context(), a.sup))
			assert.True(t, driver.IsShutdown())

			require.Eventually(t, func() bool {
				return firstMatching(srv.Messages(), func(m *protobufs.AgentToServer) bool {
					return string(m.GetInstanceUid()) == string(a.uid) && m.GetAgentDisconnect() != nil
				}) != nil
			}, waitFor, 10*time.Millisecond)
			assert.Equal(t, float64(0), promtestutil.ToFloat64(a.metrics.Connected))
		})
	}
}

func TestSupervisorRestoresPersistedState(t *testing.T) {
	remote := &protobufs.AgentRemoteConfig{
		Config: &protobufs.AgentConfigMap{
			ConfigMap: map[string]*protobufs.AgentConfigFile{
				"config.yaml": {ContentType: "text/yaml", Body: []byte("exporters: {}")},
			},
		},
		ConfigHash: []byte("persisted"),
	}
	status := &protobufs.RemoteConfigStatus{
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
		LastRemoteConfigHash: []byte("persisted"),
	}
	state := newAgentState(t)
	require.NoError(t, state.SetRemoteConfig(t.Context(), remote))
	require.NoError(t, state.SetRemoteConfigStatus(t.Context(), status))

	srv := testutil.NewOpAMPServer(t)
	driver := testutil.NewMockAgentDriver()
	_ = startAgent(t, srv.WebSocketURL(), driver, state)

	assert.Len(t, driver.Applied(), 1)

	require.Eventually(t, func() bool {
		return len(srv.Messages()) >= 1
	}, waitFor, 10*time.Millisecond)
	first := srv.Messages()[0]
	if diff := cmp.Diff(status, first.GetRemoteConfigStatus(), protocmp.Transform()); diff != "" {
		t.Errorf("reported status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(remote.GetConfig(), first.GetEffectiveConfig().GetConfigMap(), protocmp.Transform()); diff != "" {
		t.Errorf("effective config mismatch (-want +got):\n%s", diff)
	}
}
