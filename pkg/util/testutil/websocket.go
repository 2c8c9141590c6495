package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/wire"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

// SetupWebSocketServer starts a server that upgrades every request and hands the connection
// to serve. The returned URL uses the ws scheme.
func SetupWebSocketServer(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ServerFrame encodes msg the way an OpAMP server sends it over WebSocket.
func ServerFrame(t *testing.T, msg *protobufs.ServerToAgent) []byte {
	t.Helper()
	b := wire.AppendHeader(nil)
	b, err := proto.MarshalOptions{}.MarshalAppend(b, msg)
	require.NoError(t, err)
	return b
}

// ReadAgentFrame reads one message from conn and decodes it as a headered AgentToServer.
func ReadAgentFrame(conn *websocket.Conn) (*protobufs.AgentToServer, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	body, err := wire.StripHeader(data)
	if err != nil {
		return nil, err
	}
	msg := &protobufs.AgentToServer{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
