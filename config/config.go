// Package config loads and validates the service configuration from JSON
// or YAML files, with environment overrides for deployment-specific
// settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/askflow/errors"
)

// Environment variables that override file settings.
const (
	EnvNATSURL   = "ASKFLOW_NATS_URL"
	EnvNamespace = "ASKFLOW_NAMESPACE"
)

// Config is the complete configuration for an invoker or responder process.
type Config struct {
	Version  string         `json:"version"            yaml:"version"`
	Service  ServiceConfig  `json:"service"            yaml:"service"`
	NATS     NATSConfig     `json:"nats"               yaml:"nats"`
	Protocol ProtocolConfig `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// ServiceConfig identifies this service on the bus.
type ServiceConfig struct {
	// Name is the service identifier children are addressed by, e.g.
	// "wind-turbine-analysis".
	Name string `json:"name" yaml:"name"`

	// Namespace prefixes every subject this service uses. Defaults to
	// "askflow".
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`

	// Revision distinguishes deployed versions of the same service.
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
}

// NATSConfig defines the bus connection.
type NATSConfig struct {
	URL           string    `json:"url"                      yaml:"url"`
	MaxReconnects int       `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration  `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string    `json:"username,omitempty"       yaml:"username,omitempty"`
	Password      string    `json:"password,omitempty"       yaml:"password,omitempty"`
	Token         string    `json:"token,omitempty"          yaml:"token,omitempty"`
	TLS           TLSConfig `json:"tls,omitempty"            yaml:"tls,omitempty"`

	// ObjectStoreBucket holds datafile blobs referenced by manifests.
	ObjectStoreBucket string `json:"object_store_bucket,omitempty" yaml:"object_store_bucket,omitempty"`
}

// TLSConfig for secure bus connections.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"             yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"  yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"   yaml:"ca_file,omitempty"`
}

// ProtocolConfig tunes invocation behavior. Zero values take defaults.
type ProtocolConfig struct {
	// Timeout is how long an invocation may run before it times out.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxRetries is how many times a timed-out invocation is reissued
	// under a fresh correlation ID. Zero disables retry.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// RetryBackoff is the initial delay before the first retry; it
	// doubles per retry up to thirty seconds.
	RetryBackoff Duration `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`

	// ReorderTimeout bounds how long a missing ordering number blocks
	// delivery before a gap is declared.
	ReorderTimeout Duration `json:"reorder_timeout,omitempty" yaml:"reorder_timeout,omitempty"`

	// MaxPayloadBytes caps serialized envelope size; larger messages
	// are chunked where the kind allows it.
	MaxPayloadBytes int `json:"max_payload_bytes,omitempty" yaml:"max_payload_bytes,omitempty"`

	// AnswerRetention is how long resolved invocation state stays
	// queryable.
	AnswerRetention Duration `json:"answer_retention,omitempty" yaml:"answer_retention,omitempty"`

	// HeartbeatInterval is how often a responder emits heartbeats while
	// an analysis runs. Zero disables heartbeats.
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`

	// AnalysisWorkers bounds concurrently running analyses on a
	// responder.
	AnalysisWorkers int `json:"analysis_workers,omitempty" yaml:"analysis_workers,omitempty"`

	// IntakeConcurrency bounds concurrent envelope deliveries from the
	// bus.
	IntakeConcurrency int `json:"intake_concurrency,omitempty" yaml:"intake_concurrency,omitempty"`
}

// Default returns a configuration with every tunable at its default.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		Service: ServiceConfig{
			Namespace: "askflow",
		},
		NATS: NATSConfig{
			URL:               "nats://localhost:4222",
			MaxReconnects:     -1,
			ReconnectWait:     Duration(2 * time.Second),
			ObjectStoreBucket: "askflow-data",
		},
		Protocol: ProtocolConfig{
			Timeout:           Duration(30 * time.Second),
			MaxRetries:        0,
			RetryBackoff:      Duration(time.Second),
			ReorderTimeout:    Duration(5 * time.Second),
			MaxPayloadBytes:   512 * 1024,
			AnswerRetention:   Duration(time.Minute),
			HeartbeatInterval: Duration(10 * time.Second),
			AnalysisWorkers:   4,
			IntakeConcurrency: 8,
		},
	}
}

// Load reads the config file at path, merging it over defaults. The format
// is chosen by extension: .json, .yaml, or .yml. Environment overrides are
// applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse JSON config")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse YAML config")
		}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unsupported config extension %q", ext),
			"Config", "Load", "detect format")
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv(EnvNATSURL); url != "" {
		c.NATS.URL = url
	}
	if ns := os.Getenv(EnvNamespace); ns != "" {
		c.Service.Namespace = ns
	}
}

// Validate checks the configuration for deployment mistakes.
func (c *Config) Validate() error {
	fail := func(msg string) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
			"Config", "Validate", "check configuration")
	}

	if c.Service.Name == "" {
		return fail("service.name is required")
	}
	if strings.ContainsAny(c.Service.Name, " .>*") {
		return fail("service.name must not contain spaces or subject wildcards")
	}
	if c.Service.Namespace == "" {
		return fail("service.namespace is required")
	}
	if c.NATS.URL == "" {
		return fail("nats.url is required")
	}
	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "" || c.NATS.TLS.KeyFile == "") {
		return fail("nats.tls requires cert_file and key_file when enabled")
	}
	if c.Protocol.Timeout < 0 {
		return fail("protocol.timeout must not be negative")
	}
	if c.Protocol.MaxRetries < 0 {
		return fail("protocol.max_retries must not be negative")
	}
	if c.Protocol.MaxPayloadBytes < 0 {
		return fail("protocol.max_payload_bytes must not be negative")
	}
	if c.Protocol.AnalysisWorkers < 0 || c.Protocol.IntakeConcurrency < 0 {
		return fail("protocol worker counts must not be negative")
	}
	return nil
}
