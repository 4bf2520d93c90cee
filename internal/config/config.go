package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port            int    `env:"PORT" envDefault:"8080"`
	DatabaseURL     string `env:"DATABASE_URL,required"`
	RedisURL        string `env:"REDIS_URL,required"`
	TokenHashSecret string `env:"TOKEN_HASH_SECRET"`

	DeviceCodeTTLSeconds     int `env:"DEVICE_CODE_TTL_SECONDS" envDefault:"600"`
	PollBaseIntervalSeconds  int `env:"POLL_BASE_INTERVAL_SECONDS" envDefault:"5"`
	PollMaxIntervalSeconds   int `env:"POLL_MAX_INTERVAL_SECONDS" envDefault:"60"`
	MaxCodeGenerationRetries int `env:"MAX_CODE_GENERATION_RETRIES" envDefault:"5"`
	SessionTTLHours          int `env:"SESSION_TTL_HOURS" envDefault:"720"`
	CodeRetentionHours       int `env:"CODE_RETENTION_HOURS" envDefault:"24"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) DeviceCodeTTL() time.Duration {
	return time.Duration(c.DeviceCodeTTLSeconds) * time.Second
}

func (c *Config) PollBaseInterval() time.Duration {
	return time.Duration(c.PollBaseIntervalSeconds) * time.Second
}

func (c *Config) PollMaxInterval() time.Duration {
	return time.Duration(c.PollMaxIntervalSeconds) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) CodeRetention() time.Duration {
	return time.Duration(c.CodeRetentionHours) * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.DeviceCodeTTLSeconds <= 0 {
		return fmt.Errorf("DEVICE_CODE_TTL_SECONDS must be positive")
	}
	if c.PollBaseIntervalSeconds <= 0 {
		return fmt.Errorf("POLL_BASE_INTERVAL_SECONDS must be positive")
	}
	if c.PollMaxIntervalSeconds < c.PollBaseIntervalSeconds {
		return fmt.Errorf("POLL_MAX_INTERVAL_SECONDS must be >= POLL_BASE_INTERVAL_SECONDS")
	}
	if c.MaxCodeGenerationRetries <= 0 {
		return fmt.Errorf("MAX_CODE_GENERATION_RETRIES must be positive")
	}

	if isProduction {
		if err := validateSecret("TOKEN_HASH_SECRET", c.TokenHashSecret); err != nil {
			return err
		}
	} else if c.TokenHashSecret == "" {
		log.Warn().Msg("TOKEN_HASH_SECRET is empty: poll tokens will be hashed without a salt")
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
