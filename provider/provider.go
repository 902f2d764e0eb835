package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai_provider "github.com/mediasense/mediasense/provider/openai"
)

// Client represents different embedding providers
type Client string

const (
	OpenAI Client = "openai"
)

// Provider is the interface all embedding provider implementations satisfy.
type Provider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Config carries the credentials and model selection for a provider client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewProvider creates a new embedding client based on the provided configuration
func NewProvider(client Client, cfg Config) (Provider, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("openai api key required")
		}
		if cfg.Model == "" {
			cfg.Model = "text-embedding-3-small"
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 30 * time.Second
		}
		return openai_provider.NewOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", client)
	}
}
