package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type ServerConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Empty PostgresDSN runs on the in-memory store.
	PostgresDSN string        `env:"POSTGRES_DSN"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	MaxUserExposure int64 `env:"MAX_USER_EXPOSURE" envDefault:"0"`

	SampleSourceURL   string  `env:"SAMPLE_SOURCE_URL"`
	SampleSourceRPS   float64 `env:"SAMPLE_SOURCE_RPS" envDefault:"20"`
	SampleSourceBurst int     `env:"SAMPLE_SOURCE_BURST" envDefault:"5"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	err := env.Parse(&cfg)
	return cfg, err
}
