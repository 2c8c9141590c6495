package testutil

import (
	"context"
	"sync"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/transport"
	"google.golang.org/protobuf/proto"
)

// MockTransport records every message handed to Send. It implements transport.Transport.
type MockTransport struct {
	mu   sync.Mutex
	sent []*protobufs.AgentToServer
	done chan struct{}

	// SendFn, when set, is called before a message is recorded. A non-nil error fails the
	// send and the message is not recorded.
	SendFn func(ctx context.Context, msg *protobufs.AgentToServer) error

	connects int
}

var _ transport.Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{done: make(chan struct{})}
}

func (m *MockTransport) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	select {
	case <-m.done:
		m.done = make(chan struct{})
	default:
	}
	return nil
}

func (m *MockTransport) Send(ctx context.Context, msg *protobufs.AgentToServer) error {
	if m.SendFn != nil {
		if err := m.SendFn(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, proto.Clone(msg).(*protobufs.AgentToServer))
	return nil
}

func (m *MockTransport) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Drop simulates a lost connection by closing the current Done channel.
func (m *MockTransport) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *MockTransport) Close() error {
	m.Drop()
	return nil
}

// Sent returns a copy of the recorded messages in send order.
func (m *MockTransport) Sent() []*protobufs.AgentToServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protobufs.AgentToServer, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockTransport) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *MockTransport) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}
