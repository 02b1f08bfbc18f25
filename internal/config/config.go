package config

import (
	"errors"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries all process configuration, populated from the environment.
type Config struct {
	ListenAddr string `env:"SLIPGATE_ADDR" envDefault:":8080"`
	PGDSN      string `env:"SLIPGATE_PG_DSN"`

	JWKSURL      string `env:"SLIPGATE_JWKS_URL"`
	Issuer       string `env:"SLIPGATE_ISSUER"`
	Audience     string `env:"SLIPGATE_AUDIENCE"`
	RequiredRole string `env:"SLIPGATE_REQUIRED_ROLE" envDefault:"counter"`

	// JWKS fetches allowed per minute against the discovery endpoint.
	JWKSRatePerMinute int `env:"SLIPGATE_JWKS_RATE_PER_MINUTE" envDefault:"10"`

	// Scanner-side settings.
	GatewayURL   string        `env:"SLIPGATE_GATEWAY_URL" envDefault:"http://localhost:8080"`
	ScannerID    string        `env:"SLIPGATE_SCANNER_ID"`
	ScanCooldown time.Duration `env:"SLIPGATE_SCAN_COOLDOWN" envDefault:"2s"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateServer checks the fields the API server cannot run without.
func (c Config) ValidateServer() error {
	if strings.TrimSpace(c.JWKSURL) == "" {
		return errors.New("SLIPGATE_JWKS_URL is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return errors.New("SLIPGATE_ISSUER is required")
	}
	if strings.TrimSpace(c.Audience) == "" {
		return errors.New("SLIPGATE_AUDIENCE is required")
	}
	if c.JWKSRatePerMinute <= 0 {
		return errors.New("SLIPGATE_JWKS_RATE_PER_MINUTE must be positive")
	}
	return nil
}
