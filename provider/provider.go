package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/saeed-khosravi/fabula/config"
	openai_provider "github.com/saeed-khosravi/fabula/provider/openai"
)

// Provider turns text into fixed-length vectors. Implementations are
// stateless and shared by all tenants: the process loads one provider at
// startup, injects it where needed, and releases it on shutdown.
type Provider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the vector length this provider produces.
	Dimensions() int
	// Close releases any resources held by the provider.
	Close() error
}

// NewProvider creates an embedding provider from configuration.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("embedding.api_key not set")
		}
		return openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}
