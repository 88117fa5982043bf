// Package config loads and validates the YAML configuration shared by
// the agent and client roles.
package config

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath     = "PERIGEE_CONFIG"
	DefaultConfigPath = "/etc/perigee/config.yaml"

	defaultMetricsAddr     = "127.0.0.1:9310"
	defaultInTopic         = "perigee-probes"
	defaultInGroupID       = "perigee-agent"
	defaultOutTopic        = "perigee-replies"
	defaultMessageMaxBytes = 990_000
	defaultBatchWait       = time.Second
	defaultProbingRate     = 100
	defaultProberBatchSize = 128
	defaultReceiverWait    = 3 * time.Second
	defaultPublishRetries  = 5
)

type Config struct {
	Log     LogConfig      `yaml:"log"`
	Agent   AgentConfig    `yaml:"agent"`
	Gateway GatewayConfig  `yaml:"gateway"`
	Kafka   KafkaConfig    `yaml:"kafka"`
	Probers []ProberConfig `yaml:"probers"`
	Client  ClientConfig   `yaml:"client"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AgentConfig struct {
	ID          string `yaml:"id"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// GatewayConfig points at the external status-reporting service. An
// empty URL disables registration and measurement reporting entirely.
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	AgentKey       string        `yaml:"agent_key"`
	AgentSecret    string        `yaml:"agent_secret"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	AuthProtocol    string        `yaml:"auth_protocol"`
	SASLUsername    string        `yaml:"sasl_username"`
	SASLPassword    string        `yaml:"sasl_password"`
	SASLMechanism   string        `yaml:"sasl_mechanism"`
	InTopic         string        `yaml:"in_topic"`
	InGroupID       string        `yaml:"in_group_id"`
	OutTopic        string        `yaml:"out_topic"`
	OutEnable       *bool         `yaml:"out_enable"`
	MessageMaxBytes int           `yaml:"message_max_bytes"`
	OutBatchWait    time.Duration `yaml:"out_batch_wait"`
	PublishRetries  int           `yaml:"publish_retries"`
}

// ProberConfig describes one probing engine instance bound to a local
// interface. The source prefixes bound which source-address overrides
// the agent will accept for this instance.
type ProberConfig struct {
	Name          string        `yaml:"name"`
	Interface     string        `yaml:"interface"`
	SrcIPv4Prefix string        `yaml:"src_ipv4_prefix"`
	SrcIPv6Prefix string        `yaml:"src_ipv6_prefix"`
	BatchSize     int           `yaml:"batch_size"`
	ProbingRate   int           `yaml:"probing_rate"`
	InstanceID    uint16        `yaml:"instance_id"`
	DryRun        bool          `yaml:"dry_run"`
	ReceiverWait  time.Duration `yaml:"receiver_wait"`
}

type ClientConfig struct {
	// BatchMaxBytes caps one probe-work message payload.
	BatchMaxBytes int `yaml:"batch_max_bytes"`
	// MessagesPerSecond paces message submission to the log; zero
	// disables pacing.
	MessagesPerSecond int `yaml:"messages_per_second"`
}

// Default returns a configuration with every default applied, for use
// when no config file exists.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads and normalizes the configuration at path.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadFromEnv loads from $PERIGEE_CONFIG, falling back to the default
// path.
func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Agent.MetricsAddr == "" {
		c.Agent.MetricsAddr = defaultMetricsAddr
	}
	if c.Gateway.HealthInterval <= 0 {
		c.Gateway.HealthInterval = 30 * time.Second
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.AuthProtocol == "" {
		c.Kafka.AuthProtocol = "PLAINTEXT"
	}
	if c.Kafka.SASLMechanism == "" {
		c.Kafka.SASLMechanism = "SCRAM-SHA-512"
	}
	if c.Kafka.InTopic == "" {
		c.Kafka.InTopic = defaultInTopic
	}
	if c.Kafka.InGroupID == "" {
		c.Kafka.InGroupID = defaultInGroupID
	}
	if c.Kafka.OutTopic == "" {
		c.Kafka.OutTopic = defaultOutTopic
	}
	if c.Kafka.OutEnable == nil {
		enabled := true
		c.Kafka.OutEnable = &enabled
	}
	if c.Kafka.MessageMaxBytes <= 0 {
		c.Kafka.MessageMaxBytes = defaultMessageMaxBytes
	}
	if c.Kafka.OutBatchWait <= 0 {
		c.Kafka.OutBatchWait = defaultBatchWait
	}
	if c.Kafka.PublishRetries <= 0 {
		c.Kafka.PublishRetries = defaultPublishRetries
	}
	if len(c.Probers) == 0 {
		c.Probers = []ProberConfig{{}}
	}
	for i := range c.Probers {
		p := &c.Probers[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("instance_%d", i)
		}
		if p.BatchSize <= 0 {
			p.BatchSize = defaultProberBatchSize
		}
		if p.ProbingRate <= 0 {
			p.ProbingRate = defaultProbingRate
		}
		if p.ReceiverWait <= 0 {
			p.ReceiverWait = defaultReceiverWait
		}
	}
	if c.Client.BatchMaxBytes <= 0 {
		c.Client.BatchMaxBytes = defaultMessageMaxBytes
	}
}

// ValidateSourceAddr checks a requested source-address override against
// the prober's configured prefixes. A prober with no prefix configured
// for the address family rejects every override in that family.
func (p ProberConfig) ValidateSourceAddr(addr netip.Addr) error {
	prefix := p.SrcIPv4Prefix
	if addr.Is6() && !addr.Is4In6() {
		prefix = p.SrcIPv6Prefix
	}
	if prefix == "" {
		return fmt.Errorf("no source prefix configured on prober %q for address %s", p.Name, addr)
	}
	parsed, err := netip.ParsePrefix(prefix)
	if err != nil {
		return fmt.Errorf("invalid source prefix %q on prober %q: %w", prefix, p.Name, err)
	}
	if !parsed.Contains(addr.Unmap()) {
		return fmt.Errorf("source address %s is outside the allowed prefix %s", addr, parsed)
	}
	return nil
}

// SelectProber returns the first prober whose prefixes admit addr. A
// zero addr means no override was requested and selects the first
// prober.
func SelectProber(probers []ProberConfig, addr netip.Addr) (ProberConfig, error) {
	if len(probers) == 0 {
		return ProberConfig{}, fmt.Errorf("no probers configured")
	}
	if !addr.IsValid() {
		return probers[0], nil
	}
	var lastErr error
	for _, p := range probers {
		if err := p.ValidateSourceAddr(addr); err != nil {
			lastErr = err
			continue
		}
		return p, nil
	}
	return ProberConfig{}, fmt.Errorf("no prober accepts source address %s: %w", addr, lastErr)
}
