package supervisor

import (
	"runtime"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/ident"
)

const (
	AttributeAgentID = "otelfleet.agent.id"
	AttributeIDType  = "otelfleet.agent.id_type"
)

// Capabilities announced with every identification.
const Capabilities = protobufs.AgentCapabilities_AgentCapabilities_ReportsStatus |
	protobufs.AgentCapabilities_AgentCapabilities_AcceptsRemoteConfig |
	protobufs.AgentCapabilities_AgentCapabilities_ReportsRemoteConfig |
	protobufs.AgentCapabilities_AgentCapabilities_ReportsHealth |
	protobufs.AgentCapabilities_AgentCapabilities_ReportsEffectiveConfig |
	protobufs.AgentCapabilities_AgentCapabilities_ReportsHeartbeat

// Describe builds the agent description. Identifying attributes depend only on the agent
// ID so the server sees the same agent across restarts.
func Describe(id ident.ID, hostName string) *protobufs.AgentDescription {
	agentID := id.UUID.String()
	desc := &protobufs.AgentDescription{
		IdentifyingAttributes: []*protobufs.KeyValue{
			keyVal(AttributeAgentID, agentID),
			keyVal("service.name", "otelfleet-agent"),
			keyVal("service.instance.id", agentID),
		},
		NonIdentifyingAttributes: []*protobufs.KeyValue{
			keyVal("os.type", runtime.GOOS),
			keyVal("host.arch", runtime.GOARCH),
			keyVal("process.runtime.name", "go"),
			keyVal("process.runtime.version", runtime.Version()),
		},
	}
	if hostName != "" {
		desc.NonIdentifyingAttributes = append(desc.NonIdentifyingAttributes, keyVal("host.name", hostName))
	}
	if idType := id.Metadata[ident.MetadataIDType]; idType != "" {
		desc.NonIdentifyingAttributes = append(desc.NonIdentifyingAttributes, keyVal(AttributeIDType, idType))
	}
	return desc
}

func keyVal(key, val string) *protobufs.KeyValue {
	return &protobufs.KeyValue{
		Key: key,
		Value: &protobufs.AnyValue{
			Value: &protobufs.AnyValue_StringValue{StringValue: val},
		},
	}
}
