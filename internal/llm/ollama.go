package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const defaultOllamaHost = "http://localhost:11434"

type ollamaProvider struct {
	client *api.Client
	model  string
}

func newOllama(cfg Config) (*ollamaProvider, error) {
	var c *api.Client
	if host := strings.TrimSpace(cfg.OllamaHost); host != "" {
		u, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("ollama: bad host %q: %w", host, err)
		}
		c = api.NewClient(u, nil)
	} else {
		var err error
		c, err = api.ClientFromEnvironment()
		if err != nil {
			u, _ := url.Parse(defaultOllamaHost)
			c = api.NewClient(u, nil)
		}
	}
	return &ollamaProvider{client: c, model: NormalizeModel(BackendOllama, cfg.Model)}, nil
}

func (p *ollamaProvider) Name() string { return BackendOllama + "/" + p.model }

func (p *ollamaProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return p.generate(ctx, &api.GenerateRequest{Prompt: prompt})
}

func (p *ollamaProvider) GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	format := json.RawMessage(`"json"`)
	if schema != nil {
		b, err := json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("ollama marshal schema: %w", err)
		}
		format = b
	}
	return p.generate(ctx, &api.GenerateRequest{
		Prompt: prompt + "\n\nReturn ONLY strict JSON. No extra text.",
		Format: format,
	})
}

func (p *ollamaProvider) generate(ctx context.Context, req *api.GenerateRequest) (string, error) {
	if p.client == nil {
		return "", ErrNotInitialized
	}
	stream := false
	req.Model = p.model
	req.Stream = &stream
	var out strings.Builder
	if err := p.client.Generate(ctx, req, func(gr api.GenerateResponse) error {
		out.WriteString(gr.Response)
		return nil
	}); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if out.Len() == 0 {
		return "", ErrEmptyReply
	}
	return out.String(), nil
}
