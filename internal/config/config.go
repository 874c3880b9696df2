// Package config содержит логику чтения конфигурации движка кэшбэка.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress     = "localhost:8080"
	defaultExpireInterval = time.Hour
	expireIntervalEnv     = "EXPIRE_INTERVAL"
)

// Config содержит параметры конфигурации движка кэшбэка.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	StoreTokenSecret string        `env:"STORE_TOKEN_SECRET"`
	ExpireInterval   time.Duration `env:"EXPIRE_INTERVAL"`
	CORSOrigins      string        `env:"CORS_ORIGINS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStoreTokenSecret := cfg.StoreTokenSecret
	envExpireInterval := cfg.ExpireInterval
	envCORSOrigins := cfg.CORSOrigins
	// Нулевой интервал в окружении отключает сверку, поэтому проверяется наличие переменной.
	_, expireIntervalSet := os.LookupEnv(expireIntervalEnv)

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StoreTokenSecret, "s", "", "secret for signing store tokens")
	flag.DurationVar(&cfg.ExpireInterval, "e", defaultExpireInterval, "cashback expiration interval, 0 disables")
	flag.StringVar(&cfg.CORSOrigins, "o", "", "comma separated list of allowed CORS origins")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStoreTokenSecret != "" {
		cfg.StoreTokenSecret = envStoreTokenSecret
	}
	if expireIntervalSet {
		cfg.ExpireInterval = envExpireInterval
	}
	if envCORSOrigins != "" {
		cfg.CORSOrigins = envCORSOrigins
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.ExpireInterval < 0 {
		return nil, fmt.Errorf("expire interval must not be negative: %s", cfg.ExpireInterval)
	}

	return cfg, nil
}

// AllowedOrigins возвращает список разрешённых CORS origins.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
