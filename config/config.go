package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Defaults applied when the corresponding option is absent.
const (
	DefaultRenewalThresholdSeconds = 300
	DefaultMaxRetryCount           = 5
	DefaultBackoffBaseMs           = 1000
	DefaultBackoffCapMs            = 60000
	DefaultEvictionGraceSeconds    = 300
	DefaultTickIntervalSeconds     = 5
	DefaultIssuanceTimeoutSeconds  = 30
	DefaultAuthTimeoutSeconds      = 30
)

// Config is the configuration for the granter broker.
type Config struct {
	LogLevel  string `hcl:"log_level,optional"`
	LogFormat string `hcl:"log_format,optional"`
	LogFile   string `hcl:"log_file,optional"`

	Auth       *AuthBlock       `hcl:"auth,block"`
	Broker     *BrokerBlock     `hcl:"broker,block"`
	Identities []IdentityBlock  `hcl:"identity,block"`
	RateLimits []RateLimitBlock `hcl:"rate_limit,block"`
}

// AuthBlock configures the external authorization service endpoint.
type AuthBlock struct {
	TokenURL       string `hcl:"token_url"`
	TimeoutSeconds int    `hcl:"timeout_seconds,optional"`
}

// BrokerBlock tunes caching, refresh and backoff behavior.
type BrokerBlock struct {
	RenewalThresholdSeconds int `hcl:"renewal_threshold_seconds,optional"`
	MaxRetryCount           int `hcl:"max_retry_count,optional"`
	BackoffBaseMs           int `hcl:"backoff_base_ms,optional"`
	BackoffCapMs            int `hcl:"backoff_cap_ms,optional"`
	EvictionGraceSeconds    int `hcl:"eviction_grace_seconds,optional"`
	TickIntervalSeconds     int `hcl:"tick_interval_seconds,optional"`
	IssuanceTimeoutSeconds  int `hcl:"issuance_timeout_seconds,optional"`
}

// IdentityBlock defines one credential principal.
type IdentityBlock struct {
	Name       string            `hcl:"name,label"`
	Kind       string            `hcl:"kind"`
	SecretFile string            `hcl:"secret_file"`
	Options    map[string]string `hcl:"options,optional"`
}

// RateLimitBlock defines the call budget for one service.
type RateLimitBlock struct {
	Service       string `hcl:"service,label"`
	WindowSeconds int    `hcl:"window_seconds"`
	MaxCalls      int    `hcl:"max_calls"`
}

// LoadConfig loads and validates a granter configuration file.
func LoadConfig(configFile string) (*Config, error) {
	var config Config

	if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Identities))
	for _, identity := range c.Identities {
		if identity.Name == "" {
			return fmt.Errorf("identity block with empty name")
		}
		if _, ok := seen[identity.Name]; ok {
			return fmt.Errorf("duplicate identity %q", identity.Name)
		}
		seen[identity.Name] = struct{}{}
		if identity.SecretFile == "" {
			return fmt.Errorf("identity %q: secret_file is required", identity.Name)
		}
	}

	for _, rl := range c.RateLimits {
		if rl.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit %q: window_seconds must be positive", rl.Service)
		}
		if rl.MaxCalls <= 0 {
			return fmt.Errorf("rate_limit %q: max_calls must be positive", rl.Service)
		}
	}

	return nil
}

// GetIdentityByName returns an identity block by its name (label).
func (c *Config) GetIdentityByName(name string) (*IdentityBlock, error) {
	for _, identity := range c.Identities {
		if identity.Name == name {
			return &identity, nil
		}
	}
	return nil, fmt.Errorf("identity '%s' not found", name)
}

// Duration accessors with defaults.

func (c *Config) RenewalThreshold() time.Duration {
	return secondsOr(c.brokerField(func(b *BrokerBlock) int { return b.RenewalThresholdSeconds }), DefaultRenewalThresholdSeconds)
}

func (c *Config) EvictionGrace() time.Duration {
	return secondsOr(c.brokerField(func(b *BrokerBlock) int { return b.EvictionGraceSeconds }), DefaultEvictionGraceSeconds)
}

func (c *Config) TickInterval() time.Duration {
	return secondsOr(c.brokerField(func(b *BrokerBlock) int { return b.TickIntervalSeconds }), DefaultTickIntervalSeconds)
}

func (c *Config) IssuanceTimeout() time.Duration {
	return secondsOr(c.brokerField(func(b *BrokerBlock) int { return b.IssuanceTimeoutSeconds }), DefaultIssuanceTimeoutSeconds)
}

func (c *Config) MaxRetryCount() int {
	if v := c.brokerField(func(b *BrokerBlock) int { return b.MaxRetryCount }); v > 0 {
		return v
	}
	return DefaultMaxRetryCount
}

func (c *Config) BackoffBase() time.Duration {
	return millisOr(c.brokerField(func(b *BrokerBlock) int { return b.BackoffBaseMs }), DefaultBackoffBaseMs)
}

func (c *Config) BackoffCap() time.Duration {
	return millisOr(c.brokerField(func(b *BrokerBlock) int { return b.BackoffCapMs }), DefaultBackoffCapMs)
}

func (c *Config) AuthTimeout() time.Duration {
	if c.Auth != nil && c.Auth.TimeoutSeconds > 0 {
		return time.Duration(c.Auth.TimeoutSeconds) * time.Second
	}
	return DefaultAuthTimeoutSeconds * time.Second
}

func (c *Config) brokerField(get func(*BrokerBlock) int) int {
	if c.Broker == nil {
		return 0
	}
	return get(c.Broker)
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func millisOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}
