package embed

import (
	"context"
	"fmt"
	"strings"

	"github.com/nightjarhq/nightjar/internal/config"
)

const (
	ProviderAPI    = "api"
	ProviderOllama = "ollama"
	ProviderLite   = "lite"
)

type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// New builds the provider selected by cfg. When a cache path is configured
// the provider is wrapped with the sqlite cache; activeSalt supplies the
// key salt per lookup, so rotation orphans prior-epoch entries without any
// coordination here.
func New(cfg config.EmbeddingConfig, activeSalt func() string) (Provider, error) {
	var inner Provider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderLite:
		lite, err := NewLite(cfg.Dimension)
		if err != nil {
			return nil, fmt.Errorf("new embed provider: %w", err)
		}
		inner = lite
	case ProviderAPI, ProviderOllama:
		inner = newHTTPProvider(cfg)
	default:
		return nil, fmt.Errorf("new embed provider: unsupported provider: %s", cfg.Provider)
	}

	if strings.TrimSpace(cfg.CachePath) == "" {
		return inner, nil
	}
	if activeSalt == nil {
		return nil, fmt.Errorf("new embed provider: cache configured without a salt source")
	}

	cache, err := OpenCache(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("new embed provider: %w", err)
	}
	return WithCache(inner, cache, cfg.Model, activeSalt), nil
}
