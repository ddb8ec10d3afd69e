package ai

import (
	"context"
	"fmt"
)

// AnthropicConfig placeholder for anthropic integration configuration.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// AnthropicCompleter is a stub implementation that can be expanded once the SDK is available.
type AnthropicCompleter struct{}

// NewAnthropicCompleter constructs a new stub completer.
func NewAnthropicCompleter(cfg AnthropicConfig) (*AnthropicCompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return &AnthropicCompleter{}, nil
}

// Complete is not yet implemented for Anthropic models.
func (a *AnthropicCompleter) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	return Completion{}, fmt.Errorf("anthropic completer not implemented")
}
