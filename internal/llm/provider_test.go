package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/llm"
)

func TestNormalizeModel(t *testing.T) {
	cases := []struct {
		backend, in, want string
	}{
		{"gemini", "models/gemini-1.5-pro", "gemini-1.5-pro"},
		{"gemini", "gemini/gemini-2.0-flash", "gemini-2.0-flash"},
		{"gemini", "gemini/models/gemini-2.0-flash", "gemini-2.0-flash"},
		{"gemini", "  ", "gemini-2.0-flash"},
		{"ollama", "", "phi4:latest"},
		{"ollama", "ollama/llama3", "llama3"},
		{"ollama", "qwen2.5:7b", "qwen2.5:7b"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, llm.NormalizeModel(tc.backend, tc.in), "%s %q", tc.backend, tc.in)
	}
}

func TestNewRejectsUnknownAndDisabledBackends(t *testing.T) {
	_, err := llm.New(context.Background(), llm.Config{Backend: "none"})
	assert.ErrorIs(t, err, llm.ErrDisabled)

	_, err = llm.New(context.Background(), llm.Config{Backend: "carrier-pigeon"})
	assert.Error(t, err)

	t.Setenv("MISSIONLINE_TEST_EMPTY_KEY", "")
	_, err = llm.New(context.Background(), llm.Config{Backend: "gemini", APIKeyEnv: "MISSIONLINE_TEST_EMPTY_KEY"})
	assert.ErrorContains(t, err, "MISSIONLINE_TEST_EMPTY_KEY")
}

func TestNewOllamaUsesNormalisedModel(t *testing.T) {
	p, err := llm.New(context.Background(), llm.Config{Backend: "ollama", Model: "models/llama3", OllamaHost: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3", p.Name())
}

type countingProvider struct {
	calls int
	err   error
}

func (c *countingProvider) Name() string { return "fake/model" }

func (c *countingProvider) Generate(ctx context.Context, prompt string) (string, error) {
	c.calls++
	return "re: " + prompt, c.err
}

func (c *countingProvider) GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	c.calls++
	return `{"ok":true}`, c.err
}

func TestLimitPassesThroughAndWaits(t *testing.T) {
	fake := &countingProvider{}
	p := llm.Limit(fake, 1000, 1)
	assert.Equal(t, "fake/model", p.Name())

	out, err := p.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "re: hi", out)
	js, err := p.GenerateJSON(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, js)
	assert.Equal(t, 2, fake.calls)
}

func TestLimitHonoursContextWhileWaiting(t *testing.T) {
	fake := &countingProvider{}
	p := llm.Limit(fake, 0.001, 1)
	_, err := p.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Generate(ctx, "second")
	require.Error(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestLimitPropagatesErrors(t *testing.T) {
	boom := errors.New("backend down")
	p := llm.Limit(&countingProvider{err: boom}, 0, 0)
	_, err := p.Generate(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
}
