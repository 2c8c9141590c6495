package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/otelfleet/opamp-agent/pkg/util"
)

const hashFile = "config.hash"

var ErrInvalidFileName = errors.New("invalid config file name")

// FileDriver writes every file of a remote configuration into ConfigDir. Files are replaced
// atomically, and files left over from the previous configuration are removed.
type FileDriver struct {
	logger    *slog.Logger
	ConfigDir string

	mu      sync.Mutex
	curHash []byte
}

var _ AgentDriver = (*FileDriver)(nil)

// NewFileDriver creates ConfigDir if needed and picks up the hash of a configuration
// applied by a previous run.
func NewFileDriver(logger *slog.Logger, configDir string) (*FileDriver, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}
	d := &FileDriver{
		logger:    logger,
		ConfigDir: configDir,
	}
	hash, err := os.ReadFile(path.Join(configDir, hashFile))
	switch {
	case err == nil:
		d.curHash = hash
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading config hash: %w", err)
	}
	return d, nil
}

func (d *FileDriver) Update(_ context.Context, incoming *protobufs.AgentRemoteConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	hash := incoming.GetConfigHash()
	if len(hash) == 0 {
		hash = util.ConfigHash(incoming.GetConfig())
	}
	if len(d.curHash) > 0 && bytes.Equal(d.curHash, hash) {
		d.logger.Info("got identical config, skipping update")
		return nil
	}

	configMap := incoming.GetConfig().GetConfigMap()
	for name := range configMap {
		if err := validateFileName(name); err != nil {
			return err
		}
	}
	for name, contents := range configMap {
		if err := d.writeConfigLocked(name, contents); err != nil {
			return err
		}
	}
	if err := d.removeStaleLocked(configMap); err != nil {
		return err
	}
	if err := atomic.WriteFile(path.Join(d.ConfigDir, hashFile), bytes.NewReader(hash)); err != nil {
		return fmt.Errorf("writing config hash: %w", err)
	}
	d.curHash = hash
	return nil
}

func validateFileName(name string) error {
	if name == "" || name == hashFile || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

func (d *FileDriver) writeConfigLocked(name string, config *protobufs.AgentConfigFile) error {
	fileName := path.Join(d.ConfigDir, name)
	d.logger.With("file", fileName).Info("writing config file")
	if err := atomic.WriteFile(fileName, bytes.NewReader(config.GetBody())); err != nil {
		return fmt.Errorf("writing config file %s: %w", name, err)
	}
	return nil
}

func (d *FileDriver) removeStaleLocked(keep map[string]*protobufs.AgentConfigFile) error {
	entries, err := os.ReadDir(d.ConfigDir)
	if err != nil {
		return fmt.Errorf("reading config directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == hashFile {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		d.logger.With("file", name).Debug("removing stale config file")
		if err := os.Remove(path.Join(d.ConfigDir, name)); err != nil {
			return fmt.Errorf("removing stale config file %s: %w", name, err)
		}
	}
	return nil
}

func (d *FileDriver) GetConfigMap() (*protobufs.AgentConfigMap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("reading config directory: %w", err)
	}

	configMap := make(map[string]*protobufs.AgentConfigFile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		// Skip the hash file
		if name == hashFile {
			continue
		}

		body, err := os.ReadFile(path.Join(d.ConfigDir, name))
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", name, err)
		}
		configMap[name] = &protobufs.AgentConfigFile{
			Body:        body,
			ContentType: guessContentType(name),
		}
	}

	return &protobufs.AgentConfigMap{ConfigMap: configMap}, nil
}

func (d *FileDriver) GetCurrentHash() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curHash
}

func (d *FileDriver) Shutdown() error {
	return nil
}

func guessContentType(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".json":
		return "application/json"
	case ".toml":
		return "application/toml"
	default:
		return "text/plain"
	}
}
