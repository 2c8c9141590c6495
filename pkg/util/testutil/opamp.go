package testutil

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/open-telemetry/opamp-go/server"
	servertypes "github.com/open-telemetry/opamp-go/server/types"
	"github.com/otelfleet/opamp-agent/pkg/logutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

// OpAMPServer is a recording OpAMP server backed by the opamp-go server implementation.
// It tracks agent sequence numbers and asks for a full state report when it sees a gap.
type OpAMPServer struct {
	URL string

	// Respond, if set, contributes extra fields to the response for each agent message.
	Respond func(msg *protobufs.AgentToServer) *protobufs.ServerToAgent
	// OnConnected, if set, runs when a WebSocket agent connects.
	OnConnected func(ctx context.Context, conn servertypes.Connection)

	mu       sync.Mutex
	messages []*protobufs.AgentToServer
	lastSeq  map[string]uint64
	conns    map[servertypes.Connection]struct{}
	gaps     int
}

func NewOpAMPServer(t *testing.T) *OpAMPServer {
	t.Helper()
	s := &OpAMPServer{
		lastSeq: map[string]uint64{},
		conns:   map[servertypes.Connection]struct{}{},
	}
	logger := slog.Default().With("service", "opamp-server")
	handler, connContext, err := server.New(logutil.NewOpAMPLogger(logger)).Attach(server.Settings{
		Callbacks: servertypes.Callbacks{
			OnConnecting: func(_ *http.Request) servertypes.ConnectionResponse {
				return servertypes.ConnectionResponse{
					Accept: true,
					ConnectionCallbacks: servertypes.ConnectionCallbacks{
						OnConnected:       s.onConnected,
						OnMessage:         s.onMessage,
						OnConnectionClose: s.onConnectionClose,
					},
				}
			},
		},
	})
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(handler))
	// plain HTTP connections find their net.Conn through the request context
	srv.Config.ConnContext = connContext
	srv.Start()
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// WebSocketURL returns the ws:// form of the server URL.
func (s *OpAMPServer) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *OpAMPServer) onConnected(ctx context.Context, conn servertypes.Connection) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	cb := s.OnConnected
	s.mu.Unlock()
	if cb != nil {
		cb(ctx, conn)
	}
}

func (s *OpAMPServer) onConnectionClose(conn servertypes.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *OpAMPServer) onMessage(_ context.Context, _ servertypes.Connection, msg *protobufs.AgentToServer) *protobufs.ServerToAgent {
	s.mu.Lock()
	s.messages = append(s.messages, proto.Clone(msg).(*protobufs.AgentToServer))
	needsFullState := s.trackLocked(msg)
	respond := s.Respond
	s.mu.Unlock()

	resp := &protobufs.ServerToAgent{InstanceUid: msg.GetInstanceUid()}
	if respond != nil {
		if extra := respond(msg); extra != nil {
			proto.Merge(resp, extra)
		}
	}
	if needsFullState {
		resp.Flags |= uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState)
	}
	return resp
}

// trackLocked records the sequence number of msg and reports whether a message was missed.
func (s *OpAMPServer) trackLocked(msg *protobufs.AgentToServer) bool {
	id := string(msg.GetInstanceUid())
	last, seen := s.lastSeq[id]
	s.lastSeq[id] = msg.GetSequenceNum()
	if !seen || msg.GetSequenceNum() == last+1 {
		return false
	}
	s.gaps++
	return true
}

// Messages returns every agent message received so far, in arrival order.
func (s *OpAMPServer) Messages() []*protobufs.AgentToServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protobufs.AgentToServer, len(s.messages))
	copy(out, s.messages)
	return out
}

// Gaps returns the number of sequence gaps observed.
func (s *OpAMPServer) Gaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gaps
}

// Connections returns the number of open WebSocket connections.
func (s *OpAMPServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every open WebSocket connection from the server side.
func (s *OpAMPServer) DropConnections() {
	s.mu.Lock()
	conns := make([]servertypes.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Disconnect()
	}
}
