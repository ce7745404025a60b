// Package config loads the relay's and server's YAML configuration files,
// matching the recognized keys and defaulting behavior of the original
// implementation's common.py::load_config / load_users.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// User is one entry loaded from a users file: a username, its shared secret,
// and whether this user's activity should be logged. Satisfies the shape
// internal/auth.User expects.
type User struct {
	Username string
	Secret   string
	Logging  bool
}

// ObservabilityConfig is shared ambient configuration for tracing/profiling,
// carried by both RelayConfig and ServerConfig. It is entirely optional:
// a zero-value ObservabilityConfig disables tracing export and leaves
// metrics/profiling endpoints unbound.
type ObservabilityConfig struct {
	// OTLPEndpoint, if set, exports spans via OTLP/gRPC to this target.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// JaegerSamplingEndpoint, if set, fetches an adaptive sampling
	// strategy from a Jaeger remote-sampling-compatible endpoint.
	JaegerSamplingEndpoint string `yaml:"jaeger_sampling_endpoint"`
	// SamplingRefreshInterval controls how often the remote sampler
	// polls for an updated strategy.
	SamplingRefreshInterval model.Duration `yaml:"sampling_refresh_interval"`
	// MetricsListen, if set, serves Prometheus /metrics and delta
	// profiling handlers on this address.
	MetricsListen string `yaml:"metrics_listen"`
}

func (o *ObservabilityConfig) applyDefaults() {
	if o.SamplingRefreshInterval == 0 {
		o.SamplingRefreshInterval = model.Duration(60 * time.Second)
	}
}

// ForwardRule binds one relay-side local listener to a remote target the
// server will dial on CONNECT.
type ForwardRule struct {
	Listen     string `yaml:"listen"`
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`
}

// RelayConfig is the relay (A) side's full recognized configuration.
type RelayConfig struct {
	Client struct {
		ServerHost    string `yaml:"server_host"`
		ServerPort    int    `yaml:"server_port"`
		Username      string `yaml:"username"`
		Secret        string `yaml:"secret"`
		TLSServerName string `yaml:"tls_server_name"`
		CACert        string `yaml:"ca_cert"`
	} `yaml:"client"`
	Forwards      []ForwardRule       `yaml:"forwards"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// applyDefaults fills unset fields with their documented defaults.
func (c *RelayConfig) applyDefaults() {
	if c.Client.ServerHost == "" {
		c.Client.ServerHost = "127.0.0.1"
	}
	if c.Client.ServerPort == 0 {
		c.Client.ServerPort = 587
	}
	c.Observability.applyDefaults()
}

// Validate checks the fields that have no sensible default.
func (c *RelayConfig) Validate() error {
	if c.Client.Username == "" || c.Client.Secret == "" {
		return fmt.Errorf("config: client.username and client.secret are required")
	}
	if len(c.Forwards) == 0 {
		return fmt.Errorf("config: no forwards configured")
	}
	return nil
}

// ServerConfig is the server (B) side's full recognized configuration.
type ServerConfig struct {
	Server struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		Hostname  string `yaml:"hostname"`
		CertFile  string `yaml:"cert_file"`
		KeyFile   string `yaml:"key_file"`
		UsersFile string `yaml:"users_file"`
	} `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

func (c *ServerConfig) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 587
	}
	if c.Server.Hostname == "" {
		c.Server.Hostname = "mail.example.com"
	}
	if c.Server.UsersFile == "" {
		c.Server.UsersFile = "users.yaml"
	}
	c.Observability.applyDefaults()
}

// Validate checks the fields that have no sensible default and that the
// referenced certificate/key files actually exist.
func (c *ServerConfig) Validate() error {
	if c.Server.CertFile == "" {
		return fmt.Errorf("config: server.cert_file is required")
	}
	if c.Server.KeyFile == "" {
		return fmt.Errorf("config: server.key_file is required")
	}
	if _, err := os.Stat(c.Server.CertFile); err != nil {
		return fmt.Errorf("config: certificate file not found: %s", c.Server.CertFile)
	}
	if _, err := os.Stat(c.Server.KeyFile); err != nil {
		return fmt.Errorf("config: key file not found: %s", c.Server.KeyFile)
	}
	return nil
}

// LoadRelayConfig reads and defaults a relay YAML config file.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c RelayConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

// LoadServerConfig reads and defaults a server YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c ServerConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

// rawUsersFile mirrors the users.yaml shape: a top-level "users" mapping
// whose values are either a scalar secret or a {secret, logging} mapping.
type rawUsersFile struct {
	Users map[string]yaml.Node `yaml:"users"`
}

// LoadUsers reads a users file, tolerating the scalar-or-mapping shorthand
// documented in spec.md §6 (and implemented by common.py::load_users).
// A missing file yields an empty, non-error user table.
func LoadUsers(path string) (map[string]User, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]User{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var doc rawUsersFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	out := make(map[string]User, len(doc.Users))
	for username, node := range doc.Users {
		switch node.Kind {
		case yaml.ScalarNode:
			var secret string
			if err := node.Decode(&secret); err != nil {
				return nil, fmt.Errorf("config: user %q: %w", username, err)
			}
			out[username] = User{Username: username, Secret: secret, Logging: true}
		case yaml.MappingNode:
			var fields struct {
				Secret  string `yaml:"secret"`
				Logging *bool  `yaml:"logging"`
			}
			if err := node.Decode(&fields); err != nil {
				return nil, fmt.Errorf("config: user %q: %w", username, err)
			}
			logging := true
			if fields.Logging != nil {
				logging = *fields.Logging
			}
			out[username] = User{Username: username, Secret: fields.Secret, Logging: logging}
		default:
			return nil, fmt.Errorf("config: user %q: unsupported shape", username)
		}
	}
	return out, nil
}
