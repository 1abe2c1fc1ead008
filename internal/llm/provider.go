// Package llm wraps the language model backends used by the agents behind one Provider
// interface. Model names are normalised once, here, and nowhere else.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	BackendGemini = "gemini"
	BackendOllama = "ollama"
	BackendNone   = "none"
)

var (
	ErrNotInitialized = errors.New("llm: provider not initialized")
	// ErrDisabled is returned by New when the backend is "none".
	ErrDisabled   = errors.New("llm: backend disabled")
	ErrEmptyReply = errors.New("llm: empty response")
)

type Config struct {
	Backend    string
	Model      string
	OllamaHost string
	// APIKeyEnv names the environment variable holding the Gemini API key.
	APIKeyEnv     string
	RatePerSecond float64
	Burst         int
}

type Provider interface {
	// Name is "<backend>/<model>".
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
	// GenerateJSON asks for a strict JSON reply. schema may be nil.
	GenerateJSON(ctx context.Context, prompt string, schema any) (string, error)
}

// New builds the configured backend wrapped with rate limiting and tracing.
func New(ctx context.Context, cfg Config) (Provider, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendOllama
	}
	var (
		p   Provider
		err error
	)
	switch backend {
	case BackendGemini:
		p, err = newGemini(ctx, cfg)
	case BackendOllama:
		p, err = newOllama(cfg)
	case BackendNone:
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unsupported LLM backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}
	return Limit(p, cfg.RatePerSecond, cfg.Burst), nil
}

const (
	geminiDefault = "gemini-2.0-flash"
	ollamaDefault = "phi4:latest"
)

// NormalizeModel strips routing prefixes that some tools put in front of model names
// ("models/", "gemini/", "ollama/") and falls back to the backend default.
func NormalizeModel(backend, model string) string {
	m := strings.TrimSpace(model)
	for {
		lower := strings.ToLower(m)
		trimmed := false
		for _, prefix := range []string{"models/", "gemini/", "ollama/"} {
			if strings.HasPrefix(lower, prefix) {
				m = strings.TrimSpace(m[len(prefix):])
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	if m != "" {
		return m
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendGemini:
		return geminiDefault
	default:
		return ollamaDefault
	}
}
