package llm

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/genai"
)

const defaultAPIKeyEnv = "GEMINI_API_KEY"

type geminiProvider struct {
	client *genai.Client
	model  string
}

func newGemini(ctx context.Context, cfg Config) (*geminiProvider, error) {
	env := cfg.APIKeyEnv
	if env == "" {
		env = defaultAPIKeyEnv
	}
	apiKey := os.Getenv(env)
	if apiKey == "" {
		return nil, fmt.Errorf("%s is not set", env)
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}
	return &geminiProvider{client: c, model: NormalizeModel(BackendGemini, cfg.Model)}, nil
}

func (p *geminiProvider) Name() string { return BackendGemini + "/" + p.model }

func (p *geminiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return p.generate(ctx, prompt, nil)
}

func (p *geminiProvider) GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if schema != nil {
		cfg.ResponseJsonSchema = schema
	}
	return p.generate(ctx, prompt, cfg)
}

func (p *geminiProvider) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	if p.client == nil {
		return "", ErrNotInitialized
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
