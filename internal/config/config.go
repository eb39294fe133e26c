package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct. One section per service so a single file can
// drive all binaries.
type Config struct {
	Billing   BillingConfig   `yaml:"billing"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type BillingConfig struct {
	Port     int            `yaml:"port"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type AuthConfig struct {
	Port     int            `yaml:"port"`
	Postgres PostgresConfig `yaml:"postgres"`
	JWT      JWTConfig      `yaml:"jwt"`
	Billing  BillingClient  `yaml:"billing"`
}

// BillingClient configures the auth service's call into the billing
// service. Timeout bounds the wallet-init step of registration; a timeout
// is treated the same as a hard failure.
type BillingClient struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	RefreshSecret   string        `yaml:"refresh_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// secrets come from env when present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Billing.Postgres.DSN += " password=" + pw
		cfg.Auth.Postgres.DSN += " password=" + pw
	}
	if s := os.Getenv("JWT_SECRET"); s != "" {
		cfg.Auth.JWT.Secret = s
	}
	if s := os.Getenv("REFRESH_TOKEN_SECRET"); s != "" {
		cfg.Auth.JWT.RefreshSecret = s
	}
	// refresh secret falls back to the access secret
	if cfg.Auth.JWT.RefreshSecret == "" {
		cfg.Auth.JWT.RefreshSecret = cfg.Auth.JWT.Secret
	}
	if cfg.Auth.JWT.AccessTokenTTL == 0 {
		cfg.Auth.JWT.AccessTokenTTL = 900 * time.Second
	}
	if cfg.Auth.JWT.RefreshTokenTTL == 0 {
		cfg.Auth.JWT.RefreshTokenTTL = 604800 * time.Second
	}
	if cfg.Auth.Billing.Timeout == 0 {
		cfg.Auth.Billing.Timeout = 5 * time.Second
	}
	return &cfg, nil
}
