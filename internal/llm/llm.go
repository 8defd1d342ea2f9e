// Package llm provides the completion clients used for plan extraction and
// answer synthesis on the direct-query path.
package llm

import (
	"context"
	"fmt"

	"github.com/pgql/bridge/internal/domain"
)

// Provider is the closed set of supported completion backends.
type Provider string

const (
	ProviderOpenAI           Provider = "openai"
	ProviderAnthropic        Provider = "anthropic"
	ProviderOpenAICompatible Provider = "openai_compatible"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderOpenAICompatible:
		return true
	}
	return false
}

// Providers lists the supported providers for the control plane.
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic, ProviderOpenAICompatible}
}

// Config selects and parameterizes one provider.
type Config struct {
	Provider    Provider `json:"provider"`
	APIKey      string   `json:"api_key"`
	BaseURL     string   `json:"base_url,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Client is the uniform completion surface over all providers.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Provider() Provider
}

// New builds the client for the configured provider. openai_compatible is the
// OpenAI wire format pointed at a custom base URL.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, domain.ErrValidation("llm api_key must not be empty")
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAIClient(cfg), nil
	case ProviderOpenAICompatible:
		if cfg.BaseURL == "" {
			return nil, domain.ErrValidation("openai_compatible requires a base_url")
		}
		return newOpenAIClient(cfg), nil
	case ProviderAnthropic:
		return newAnthropicClient(cfg), nil
	default:
		return nil, domain.ErrValidation(fmt.Sprintf("unknown llm provider %q", cfg.Provider))
	}
}
