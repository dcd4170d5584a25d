package llm

import (
	"context"
	"fmt"
)

// NewClient builds the configured provider adapter wrapped in Resilient.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	var c Client
	switch cfg.Provider {
	case ProviderOpenAI, "":
		c = NewOpenAIClient(cfg)
	case ProviderAnthropic:
		c = NewAnthropicClient(cfg)
	case ProviderGemini:
		g, err := NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c = g
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	name := cfg.Provider
	if name == "" {
		name = ProviderOpenAI
	}
	return NewResilient(c, name), nil
}
