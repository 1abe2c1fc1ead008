package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/agent"
	"missionline/internal/app"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/llm"
)

type fakeLLM struct{}

func (fakeLLM) Name() string { return "fake/model" }
func (fakeLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return "answer", nil
}
func (fakeLLM) GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	return `{"steps":["one"]}`, nil
}

var _ llm.Provider = fakeLLM{}

func offlineConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents.LLM.Backend = llm.BackendNone
	return cfg
}

func TestAgentsRegistry(t *testing.T) {
	reg, err := app.Agents(offlineConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{agent.EchoName}, reg.Names())

	reg, err = app.Agents(offlineConfig(), fakeLLM{})
	require.NoError(t, err)
	assert.Equal(t, []string{agent.DeveloperName, agent.EchoName, agent.ResearcherName}, reg.Names())

	cfg := offlineConfig()
	cfg.Agents.Default = agent.ResearcherName
	_, err = app.Agents(cfg, nil)
	assert.Error(t, err)
}

func TestOpenDispatchAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := offlineConfig()
	cfg.Agents.Workspace = t.TempDir()

	a, err := app.Open(ctx, app.Options{Workspace: dir, Config: cfg, LLM: fakeLLM{}})
	require.NoError(t, err)
	m, err := a.Engine.Dispatch(ctx, engine.DispatchRequest{Prompt: "hello", Agent: agent.ResearcherName})
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	// A second process sees the finished mission; Close drained the pool first.
	b, err := app.Open(ctx, app.Options{Workspace: dir, Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	got, err := b.Engine.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "answer", *got.Result)
}

func TestRecoverFailsLeftoverMissions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := offlineConfig()

	a, err := app.Open(ctx, app.Options{Workspace: dir, Config: cfg})
	require.NoError(t, err)
	stuck, err := a.Engine.Repo.CreateMission(ctx, "left behind", agent.EchoName)
	require.NoError(t, err)
	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, a.Close(closeCtx))

	b, err := app.Open(ctx, app.Options{Workspace: dir, Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	require.NoError(t, b.Recover(ctx))

	got, err := b.Engine.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "interrupted: service restarted", *got.ErrorMessage)
}
