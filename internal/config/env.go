package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Secrets holds credentials that never live in escrowline.yml.
type Secrets struct {
	JWTSecret        string `env:"ESCROWLINE_JWT_SECRET"`
	WebhookSecret    string `env:"ESCROWLINE_WEBHOOK_SECRET"`
	ProcessorAPIKey  string `env:"ESCROWLINE_PROCESSOR_API_KEY"`
	ProcessorBaseURL string `env:"ESCROWLINE_PROCESSOR_BASE_URL" envDefault:"https://api.stripe.com"`
	OTelEndpoint     string `env:"ESCROWLINE_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadSecrets reads Secrets from the environment.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := ParseEnv(&s); err != nil {
		return Secrets{}, err
	}
	return s, nil
}

// RequireServe checks the secrets needed by el serve.
func (s Secrets) RequireServe() error {
	if s.JWTSecret == "" {
		return fmt.Errorf("ESCROWLINE_JWT_SECRET is required")
	}
	if s.WebhookSecret == "" {
		return fmt.Errorf("ESCROWLINE_WEBHOOK_SECRET is required")
	}
	if s.ProcessorAPIKey == "" {
		return fmt.Errorf("ESCROWLINE_PROCESSOR_API_KEY is required")
	}
	return nil
}
