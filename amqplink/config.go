package amqplink

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Configuration defaults.
const (
	DefaultOperationTimeout   = 60 * time.Second
	DefaultPrefetchCount      = 500
	DefaultMaxMessageSize     = 256 * 1024
	DefaultWorkQueueDepth     = 1024
	DefaultTokenTTL           = time.Hour
	DefaultTokenRenewInterval = 20 * time.Minute
	DefaultPingReserveRatio   = 0.10
)

// Config holds construction-time settings shared by a Client and its links.
// Start from DefaultConfig: a zero MaxRetries disables link recreation.
type Config struct {
	Address            string        `yaml:"address"`
	ContainerID        string        `yaml:"container_id"`
	UseWebSockets      bool          `yaml:"use_websockets"`
	SASLUser           string        `yaml:"sasl_user"`
	SASLPassword       string        `yaml:"sasl_password"`
	OperationTimeout   time.Duration `yaml:"operation_timeout"`
	PrefetchCount      uint32        `yaml:"prefetch_count"`
	MaxMessageSize     int           `yaml:"max_message_size"`
	MaxRetries         uint32        `yaml:"max_retries"`
	MinBackoff         time.Duration `yaml:"min_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	WorkQueueDepth     int           `yaml:"work_queue_depth"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
	TokenRenewInterval time.Duration `yaml:"token_renew_interval"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		OperationTimeout:   DefaultOperationTimeout,
		PrefetchCount:      DefaultPrefetchCount,
		MaxMessageSize:     DefaultMaxMessageSize,
		MaxRetries:         DefaultMaxRetries,
		MinBackoff:         DefaultMinBackoff,
		MaxBackoff:         DefaultMaxBackoff,
		WorkQueueDepth:     DefaultWorkQueueDepth,
		TokenTTL:           DefaultTokenTTL,
		TokenRenewInterval: DefaultTokenRenewInterval,
	}
}

func normalizeConfig(config Config) Config {
	normalized := config
	defaults := DefaultConfig()
	if normalized.OperationTimeout == 0 {
		normalized.OperationTimeout = defaults.OperationTimeout
	}
	if normalized.PrefetchCount == 0 {
		normalized.PrefetchCount = defaults.PrefetchCount
	}
	if normalized.MaxMessageSize == 0 {
		normalized.MaxMessageSize = defaults.MaxMessageSize
	}
	if normalized.WorkQueueDepth == 0 {
		normalized.WorkQueueDepth = defaults.WorkQueueDepth
	}
	if normalized.MaxBackoff == 0 {
		normalized.MaxBackoff = defaults.MaxBackoff
	}
	if normalized.TokenTTL == 0 {
		normalized.TokenTTL = defaults.TokenTTL
	}
	if normalized.TokenRenewInterval == 0 {
		normalized.TokenRenewInterval = defaults.TokenRenewInterval
	}
	return normalized
}

// Validate reports the first invalid setting.
func (config Config) Validate() error {
	switch {
	case config.OperationTimeout <= 0:
		return NewError(InvalidArgumentError, "operation_timeout must be positive")
	case config.PrefetchCount == 0:
		return NewError(InvalidArgumentError, "prefetch_count must be positive")
	case config.MaxMessageSize <= 0:
		return NewError(InvalidArgumentError, "max_message_size must be positive")
	case config.MinBackoff < 0:
		return NewError(InvalidArgumentError, "min_backoff must not be negative")
	case config.MaxBackoff < config.MinBackoff:
		return NewError(InvalidArgumentError, "max_backoff must not be below min_backoff")
	case config.TokenRenewInterval >= config.TokenTTL:
		return NewError(InvalidArgumentError, "token_renew_interval must be shorter than token_ttl")
	}
	return nil
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, NewError(InvalidArgumentError, "parse config", err)
	}
	config = normalizeConfig(config)
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}
