package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Gateway GatewayConfig `envPrefix:"GATEWAY_"`
	Files   FilesConfig   `envPrefix:"FILES_"`
}

type GatewayConfig struct {
	BaseURL string `env:"BASE_URL,required"`
	AnonKey string `env:"ANON_KEY,required"`
	// ServiceKey is only needed for the sign-up credential rollback.
	ServiceKey  string `env:"SERVICE_KEY"`
	RealtimeURL string `env:"REALTIME_URL"`
}

type FilesConfig struct {
	Bucket string `env:"BUCKET" envDefault:"files"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}
