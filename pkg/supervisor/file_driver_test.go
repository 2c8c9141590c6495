package supervisor_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteConfig(hash string, files map[string]string) *protobufs.AgentRemoteConfig {
	cm := map[string]*protobufs.AgentConfigFile{}
	for name, body := range files {
		cm[name] = &protobufs.AgentConfigFile{Body: []byte(body)}
	}
	return &protobufs.AgentRemoteConfig{
		Config:     &protobufs.AgentConfigMap{ConfigMap: cm},
		ConfigHash: []byte(hash),
	}
}

func TestFileDriverUpdate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")
	d, err := supervisor.NewFileDriver(slog.Default(), dir)
	require.NoError(t, err)
	assert.Empty(t, d.GetCurrentHash())

	require.NoError(t, d.Update(t.Context(), remoteConfig("h1", map[string]string{
		"config.yaml": "receivers: {}",
		"extra.json":  "{}",
	})))
	assert.Equal(t, []byte("h1"), d.GetCurrentHash())

	body, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "receivers: {}", string(body))

	cm, err := d.GetConfigMap()
	require.NoError(t, err)
	require.Len(t, cm.GetConfigMap(), 2)
	assert.Equal(t, "application/x-yaml", cm.GetConfigMap()["config.yaml"].GetContentType())
	assert.Equal(t, "application/json", cm.GetConfigMap()["extra.json"].GetContentType())

	t.Run("stale files are removed", func(t *testing.T) {
		require.NoError(t, d.Update(t.Context(), remoteConfig("h2", map[string]string{
			"config.yaml": "exporters: {}",
		})))
		_, err := os.Stat(filepath.Join(dir, "extra.json"))
		assert.ErrorIs(t, err, os.ErrNotExist)
		cm, err := d.GetConfigMap()
		require.NoError(t, err)
		assert.Len(t, cm.GetConfigMap(), 1)
	})

	t.Run("identical hash is skipped", func(t *testing.T) {
		require.NoError(t, d.Update(t.Context(), remoteConfig("h2", map[string]string{
			"other.yaml": "ignored",
		})))
		_, err := os.Stat(filepath.Join(dir, "other.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("hash survives restart", func(t *testing.T) {
		restarted, err := supervisor.NewFileDriver(slog.Default(), dir)
		require.NoError(t, err)
		assert.Equal(t, []byte("h2"), restarted.GetCurrentHash())
	})
}

func TestFileDriverRejectsUnsafeNames(t *testing.T) {
	dir := t.TempDir()
	d, err := supervisor.NewFileDriver(slog.Default(), dir)
	require.NoError(t, err)

	for _, name := range []string{"../escape.yaml", "sub/config.yaml", "config.hash", ".."} {
		t.Run(name, func(t *testing.T) {
			err := d.Update(t.Context(), remoteConfig("bad", map[string]string{name: "x"}))
			assert.ErrorIs(t, err, supervisor.ErrInvalidFileName)
		})
	}
	assert.Empty(t, d.GetCurrentHash())
}

func TestFileDriverHashesWhenServerSendsNone(t *testing.T) {
	d, err := supervisor.NewFileDriver(slog.Default(), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, d.Update(t.Context(), remoteConfig("", map[string]string{"a.yaml": "a: 1"})))
	assert.NotEmpty(t, d.GetCurrentHash())
}
