package provider

import (
	"fmt"
	"log/slog"
	"time"

	"chatty/internal/config"
	"chatty/internal/domain"
)

// FromConfig builds the generator described by cfg: the primary mode,
// optionally extended with a failover chain, with blob-style providers
// wrapped in the synthetic chunker so the output is always incremental.
func FromConfig(cfg config.ProviderConfig, logger *slog.Logger) (domain.Generator, error) {
	names := append([]string{cfg.Mode}, cfg.FailoverChain...)

	seen := make(map[string]bool, len(names))
	var chain []domain.Generator
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		gen, err := buildOne(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, gen)
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return NewFailover(chain, logger), nil
}

func buildOne(name string, cfg config.ProviderConfig, logger *slog.Logger) (domain.Generator, error) {
	maxDelay := time.Duration(cfg.Chunker.MaxDelayMS) * time.Millisecond
	switch name {
	case "gemini":
		g := NewGemini(cfg.Gemini.APIKey, cfg.Gemini.Endpoint, cfg.Gemini.Model, cfg.Gemini.VisionModel, logger)
		return g, nil
	case "ollama":
		return NewOllama(cfg.Ollama.Endpoint, cfg.Ollama.Model, logger), nil
	case "mock":
		// The mock answers in one piece, so chunk it to keep the stream shape.
		return NewChunked(NewMock(), cfg.Chunker.ChunkSize, maxDelay), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
