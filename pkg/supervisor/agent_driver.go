package supervisor

import (
	"context"

	"github.com/open-telemetry/opamp-go/protobufs"
)

// AgentDriver is the part of the agent that remote configuration lands on. FileDriver
// writes it to disk; tests use an in-memory driver.
type AgentDriver interface {
	// Update applies incoming. A configuration whose hash equals GetCurrentHash is a no-op.
	Update(ctx context.Context, incoming *protobufs.AgentRemoteConfig) error

	// GetConfigMap returns the configuration currently in effect, reported to the server as
	// the effective config.
	GetConfigMap() (*protobufs.AgentConfigMap, error)

	// GetCurrentHash is empty until a configuration was applied.
	GetCurrentHash() []byte

	Shutdown() error
}
