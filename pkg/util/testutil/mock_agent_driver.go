package testutil

import (
	"bytes"
	"context"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/supervisor"
	"github.com/otelfleet/opamp-agent/pkg/util"
)

// MockAgentDriver keeps applied configurations in memory. It implements
// supervisor.AgentDriver.
type MockAgentDriver struct {
	mu       sync.Mutex
	applied  []*protobufs.AgentRemoteConfig
	hash     []byte
	failNext error
	shutdown bool
}

var _ supervisor.AgentDriver = (*MockAgentDriver)(nil)

func NewMockAgentDriver() *MockAgentDriver {
	return &MockAgentDriver{}
}

// FailNext makes the next Update return err without applying anything.
func (m *MockAgentDriver) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MockAgentDriver) Update(ctx context.Context, incoming *protobufs.AgentRemoteConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	hash := incoming.GetConfigHash()
	if len(hash) == 0 {
		hash = util.ConfigHash(incoming.GetConfig())
	}
	if len(m.hash) > 0 && bytes.Equal(m.hash, hash) {
		return nil
	}
	m.applied = append(m.applied, incoming)
	m.hash = hash
	return nil
}

func (m *MockAgentDriver) GetConfigMap() (*protobufs.AgentConfigMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.applied) == 0 {
		return &protobufs.AgentConfigMap{}, nil
	}
	return m.applied[len(m.applied)-1].GetConfig(), nil
}

func (m *MockAgentDriver) GetCurrentHash() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hash
}

func (m *MockAgentDriver) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	return nil
}

// Applied returns every configuration that changed the driver state, oldest first.
func (m *MockAgentDriver) Applied() []*protobufs.AgentRemoteConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protobufs.AgentRemoteConfig, len(m.applied))
	copy(out, m.applied)
	return out
}

func (m *MockAgentDriver) IsShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}
