// Package config holds the agent configuration, read from YAML and overridden by flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/otelfleet/opamp-agent/pkg/ident"
	"github.com/otelfleet/opamp-agent/pkg/transport"
	"gopkg.in/yaml.v3"
)

type Config struct {
	OpAMP     OpAMPConfig     `yaml:"opamp"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Agent     AgentConfig     `yaml:"agent"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type OpAMPConfig struct {
	// Endpoint selects the transport by scheme: ws/wss or http/https.
	Endpoint           string            `yaml:"endpoint"`
	Headers            map[string]string `yaml:"headers"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	ReceiveBufferSize  int               `yaml:"receive_buffer_size"`
	SendBufferSize     int               `yaml:"send_buffer_size"`
	MaxMessageSize     int               `yaml:"max_message_size"`
	HandshakeTimeout   time.Duration     `yaml:"handshake_timeout"`
	RequestTimeout     time.Duration     `yaml:"request_timeout"`
	Backoff            BackoffConfig     `yaml:"backoff"`
}

type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type HeartbeatConfig struct {
	Interval           time.Duration `yaml:"interval"`
	InitialStatus      string        `yaml:"initial_status"`
	WaitForFirstStatus bool          `yaml:"wait_for_first_status"`
}

type AgentConfig struct {
	Name string `yaml:"name"`
	// ConfigDir receives the files of every applied remote configuration.
	ConfigDir string `yaml:"config_dir"`
	// IDType is mac (derived from the host) or random (generated once and persisted).
	IDType string `yaml:"id_type"`
}

type StorageConfig struct {
	// Path of the pebble database. Empty keeps state in memory.
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.OpAMP.RegisterFlags(f)
	c.Heartbeat.RegisterFlags(f)
	c.Agent.RegisterFlags(f)
	f.StringVar(&c.Storage.Path, "storage.path", "", "Path of the agent state database. Empty keeps state in memory.")
	f.BoolVar(&c.Server.Enabled, "server.enabled", true, "Serve /metrics and /ready.")
	f.StringVar(&c.Server.ListenAddress, "server.listen-address", "127.0.0.1", "Admin server listen address.")
	f.IntVar(&c.Server.ListenPort, "server.listen-port", 8088, "Admin server listen port.")
	f.StringVar(&c.Log.Level, "log.level", "info", "Log level: trace, debug, info, warn or error.")
}

func (c *OpAMPConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Endpoint, "opamp.endpoint", "ws://127.0.0.1:4320/v1/opamp", "OpAMP server endpoint.")
	f.BoolVar(&c.InsecureSkipVerify, "opamp.insecure-skip-verify", false, "Skip TLS certificate verification.")
	f.IntVar(&c.ReceiveBufferSize, "opamp.receive-buffer-size", transport.DefaultReceiveBufferSize, "WebSocket receive buffer size in bytes.")
	f.IntVar(&c.SendBufferSize, "opamp.send-buffer-size", transport.DefaultSendBufferSize, "WebSocket send buffer size in bytes.")
	f.IntVar(&c.MaxMessageSize, "opamp.max-message-size", transport.DefaultMaxMessageSize, "Largest accepted server message in bytes.")
	f.DurationVar(&c.HandshakeTimeout, "opamp.handshake-timeout", 45*time.Second, "WebSocket handshake timeout.")
	f.DurationVar(&c.RequestTimeout, "opamp.request-timeout", 30*time.Second, "HTTP request timeout.")
	f.DurationVar(&c.Backoff.InitialInterval, "opamp.backoff.initial-interval", time.Second, "First reconnect delay.")
	f.DurationVar(&c.Backoff.MaxInterval, "opamp.backoff.max-interval", 30*time.Second, "Largest reconnect delay.")
}

func (c *HeartbeatConfig) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&c.Interval, "heartbeat.interval", 30*time.Second, "Heartbeat interval unless the server offers one.")
	f.StringVar(&c.InitialStatus, "heartbeat.initial-status", "starting", "Status text of the first heartbeat.")
	f.BoolVar(&c.WaitForFirstStatus, "heartbeat.wait-for-first-status", false, "Hold heartbeats until a status is reported.")
}

func (c *AgentConfig) RegisterFlags(f *flag.FlagSet) {
	hostname, _ := os.Hostname()
	f.StringVar(&c.Name, "agent.name", hostname, "Agent name reported to the server.")
	f.StringVar(&c.ConfigDir, "agent.config-dir", "/var/lib/otelfleet/config", "Directory receiving remote configuration files.")
	f.StringVar(&c.IDType, "agent.id-type", ident.IDTypeMac, "Instance UID source: mac or random.")
}

func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.OpAMP.Endpoint)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("opamp.endpoint: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("opamp.endpoint: unsupported scheme %q", u.Scheme))
	}
	if c.OpAMP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("opamp.max_message_size must be positive"))
	}
	if c.OpAMP.Backoff.MaxInterval < c.OpAMP.Backoff.InitialInterval {
		errs = append(errs, errors.New("opamp.backoff.max_interval must not be below initial_interval"))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Agent.IDType != ident.IDTypeMac && c.Agent.IDType != ident.IDTypeRandom {
		errs = append(errs, fmt.Errorf("agent.id_type: unknown value %q", c.Agent.IDType))
	}
	return errors.Join(errs...)
}

// IsWebSocket reports whether the endpoint selects the WebSocket transport.
func (c *OpAMPConfig) IsWebSocket() bool {
	return strings.HasPrefix(c.Endpoint, "ws://") || strings.HasPrefix(c.Endpoint, "wss://")
}

// Load parses args. Values from the file named by -config.file are applied over the flag
// defaults, and flags given explicitly win over the file.
func Load(name string, args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var file string
	fs.StringVar(&file, "config.file", "", "YAML configuration file.")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", file, err)
		}
		// re-apply explicit flags over the file
		if err := fs.Parse(args); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
