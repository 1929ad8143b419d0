// Package llm adapts language model backends to a single completion call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ollama/ollama/api"
	"github.com/openai/openai-go"

	"github.com/ashureev/promptdev/internal/config"
	"github.com/ashureev/promptdev/internal/domain"
)

// Options tunes one completion. A nil Temperature keeps the backend default;
// zero is sent as an explicit deterministic setting.
type Options struct {
	MaxTokens   int
	Temperature *float64
}

// Completer turns a prompt into generated text. Implementations honour ctx
// cancellation and return domain errors of kind External.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// New builds the completer selected by cfg.Provider.
func New(cfg config.LLMConfig) (Completer, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxRetries), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxRetries), nil
	case "ollama":
		return NewOllama(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// classify converts a backend failure into the External error taxonomy.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WithCause(domain.ErrLLMTimeout, fmt.Errorf("%s: %w", provider, err))
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.WithCause(domain.ErrLLMTimeout, fmt.Errorf("%s: %w", provider, err))
	}

	if status := statusCode(err); status != 0 {
		if status == http.StatusTooManyRequests || status >= 500 {
			return domain.WithCause(domain.ErrLLMUnreachable, fmt.Errorf("%s returned %d: %w", provider, status, err))
		}
		return domain.WithCause(domain.ErrMalformedResponse, fmt.Errorf("%s rejected request with %d: %w", provider, status, err))
	}

	return domain.WithCause(domain.ErrLLMUnreachable, fmt.Errorf("%s: %w", provider, err))
}

func statusCode(err error) int {
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var se api.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func nonEmpty(provider, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", domain.Errorf(domain.ErrMalformedResponse, "%s returned no content", provider)
	}
	return text, nil
}
