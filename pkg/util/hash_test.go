package util

import (
	"testing"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
)

func configMap(files map[string]string) *protobufs.AgentConfigMap {
	cm := &protobufs.AgentConfigMap{ConfigMap: map[string]*protobufs.AgentConfigFile{}}
	for name, body := range files {
		cm.ConfigMap[name] = &protobufs.AgentConfigFile{Body: []byte(body), ContentType: "text/yaml"}
	}
	return cm
}

func TestConfigHashEmpty(t *testing.T) {
	assert.Empty(t, ConfigHash(nil))
	assert.Empty(t, ConfigHash(&protobufs.AgentConfigMap{}))
	assert.Empty(t, ConfigHash(configMap(nil)))
}

func TestConfigHash(t *testing.T) {
	base := ConfigHash(configMap(map[string]string{"config.yaml": "receivers:\n  otlp:"}))
	assert.Len(t, base, 32)

	tcs := []struct {
		name string
		cm   *protobufs.AgentConfigMap
		same bool
	}{
		{
			name: "identical",
			cm:   configMap(map[string]string{"config.yaml": "receivers:\n  otlp:"}),
			same: true,
		},
		{
			name: "content type ignored",
			cm: &protobufs.AgentConfigMap{ConfigMap: map[string]*protobufs.AgentConfigFile{
				"config.yaml": {Body: []byte("receivers:\n  otlp:"), ContentType: "application/yaml"},
			}},
			same: true,
		},
		{
			name: "nil file skipped",
			cm: &protobufs.AgentConfigMap{ConfigMap: map[string]*protobufs.AgentConfigFile{
				"config.yaml": {Body: []byte("receivers:\n  otlp:")},
				"nil.yaml":    nil,
			}},
			same: true,
		},
		{
			name: "different body",
			cm:   configMap(map[string]string{"config.yaml": "receivers:\n  jaeger:"}),
		},
		{
			name: "different name",
			cm:   configMap(map[string]string{"other.yaml": "receivers:\n  otlp:"}),
		},
		{
			name: "bytes moved from body into name",
			cm:   configMap(map[string]string{"config.yamlr": "eceivers:\n  otlp:"}),
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got := ConfigHash(tc.cm)
			if tc.same {
				assert.Equal(t, base, got)
			} else {
				assert.NotEqual(t, base, got)
			}
		})
	}
}

func TestConfigHashOrderIndependent(t *testing.T) {
	files := map[string]string{"a.yaml": "a", "b.yaml": "b", "c.yaml": "c"}
	want := ConfigHash(configMap(files))
	for range 10 {
		assert.Equal(t, want, ConfigHash(configMap(files)))
	}
}
