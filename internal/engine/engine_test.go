package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"missionline/internal/agent"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/metrics"
	"missionline/internal/migrate"
	"missionline/internal/repo"
	"missionline/internal/updates"
)

type execFunc func(ctx context.Context, req agent.Request) (agent.Outcome, error)

func (f execFunc) Execute(ctx context.Context, req agent.Request) (agent.Outcome, error) {
	return f(ctx, req)
}

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Logs    *observer.ObservedLogs
	Metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, tune func(*config.Config), executors map[string]agent.Executor) testEnv {
	t.Helper()
	dir := t.TempDir()
	missions, err := db.Open(db.Config{Workspace: dir, Name: db.MissionsDB})
	require.NoError(t, err)
	t.Cleanup(func() { missions.Close() })
	require.NoError(t, migrate.Migrate(missions, migrate.Missions))
	ups, err := db.Open(db.Config{Workspace: dir, Name: db.UpdatesDB})
	require.NoError(t, err)
	t.Cleanup(func() { ups.Close() })
	require.NoError(t, migrate.Migrate(ups, migrate.Updates))

	cfg := config.Default()
	cfg.Executor.Workers = 2
	cfg.Executor.QueueSize = 4
	cfg.Executor.Timeout = 5 * time.Second
	cfg.Agents.Workspace = t.TempDir()
	if tune != nil {
		tune(cfg)
	}

	reg := agent.NewRegistry(cfg.Agents.Default)
	require.NoError(t, reg.Register(agent.EchoName, agent.Echo{}))
	for name, exec := range executors {
		require.NoError(t, reg.Register(name, exec))
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	m := metrics.New(prometheus.NewRegistry())
	pool := engine.NewPool(engine.PoolConfig{
		Workers:   cfg.Executor.Workers,
		QueueSize: cfg.Executor.QueueSize,
		Timeout:   cfg.Executor.Timeout,
	}, logger, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})

	eng, err := engine.New(engine.Deps{
		Repo:    repo.New(missions),
		Updates: updates.New(ups),
		Agents:  reg,
		Pool:    pool,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: context.Background(), Logs: logs, Metrics: m}
}

func waitTerminal(t *testing.T, env testEnv, id string) domain.Mission {
	t.Helper()
	var m domain.Mission
	require.Eventually(t, func() bool {
		got, err := env.Engine.Repo.GetMission(env.Ctx, id)
		if err != nil {
			return false
		}
		m = got
		return m.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return m
}

func messages(t *testing.T, env testEnv, id string) []string {
	t.Helper()
	ups, err := env.Engine.Updates.List(env.Ctx, id)
	require.NoError(t, err)
	out := make([]string, 0, len(ups))
	for _, u := range ups {
		out = append(out, u.Message)
	}
	return out
}

func TestDispatchSucceeds(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "say hello"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, m.Status)
	assert.Equal(t, "echo", m.Agent)

	done := waitTerminal(t, env, m.ID)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "say hello", *done.Result)
	assert.Nil(t, done.ErrorMessage)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "echo", done.Metadata["agent"])

	assert.Equal(t, []string{"dispatched to agent echo", "echoing prompt", "mission completed"}, messages(t, env, m.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.MissionsDispatched.WithLabelValues("echo")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.Metrics.MissionsFinished.WithLabelValues("echo", "completed")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExecutorErrorsAndPanicsFailTheMission(t *testing.T) {
	env := newTestEnv(t, nil, map[string]agent.Executor{
		"broken": execFunc(func(ctx context.Context, req agent.Request) (agent.Outcome, error) {
			req.Reporter.Report(ctx, "about to break", "warning")
			return nil, errors.New("backend unreachable")
		}),
		"panicky": execFunc(func(context.Context, agent.Request) (agent.Outcome, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		}),
	})

	m, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p", Agent: "broken"})
	require.NoError(t, err)
	done := waitTerminal(t, env, m.ID)
	assert.Equal(t, domain.StatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "backend unreachable", *done.ErrorMessage)
	assert.Nil(t, done.Result)
	assert.Contains(t, messages(t, env, m.ID), "about to break")

	m, err = env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p", Agent: "panicky"})
	require.NoError(t, err)
	done = waitTerminal(t, env, m.ID)
	assert.Equal(t, domain.StatusFailed, done.Status)
	assert.True(t, strings.HasPrefix(*done.ErrorMessage, "executor panic:"), *done.ErrorMessage)
	assert.Equal(t, "true", done.Metadata["panic"])
}

func TestSecondExecutingFlipIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	env := newTestEnv(t, nil, map[string]agent.Executor{
		"slow": execFunc(func(ctx context.Context, req agent.Request) (agent.Outcome, error) {
			started <- struct{}{}
			<-release
			return agent.Success{Output: "done"}, nil
		}),
	})
	m, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p", Agent: "slow"})
	require.NoError(t, err)
	<-started

	_, err = env.Engine.Repo.UpdateMissionStatus(env.Ctx, repo.StatusChange{ID: m.ID, To: domain.StatusExecuting})
	require.ErrorIs(t, err, repo.ErrInvalidTransition)

	close(release)
	done := waitTerminal(t, env, m.ID)
	assert.Equal(t, domain.StatusCompleted, done.Status)
}

func TestTimeoutFailsMissionAtDeadline(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	t.Cleanup(func() { close(release) })
	env := newTestEnv(t, func(c *config.Config) { c.Executor.Timeout = 200 * time.Millisecond }, map[string]agent.Executor{
		"stubborn": execFunc(func(ctx context.Context, req agent.Request) (agent.Outcome, error) {
			req.Reporter.Report(ctx, "working", "progress")
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
			req.Reporter.Report(context.Background(), "late update", "progress")
			close(finished)
			return agent.Success{Output: "too late"}, nil
		}),
	})

	start := time.Now()
	m, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p", Agent: "stubborn"})
	require.NoError(t, err)
	done := waitTerminal(t, env, m.ID)
	elapsed := time.Since(start)

	assert.Equal(t, domain.StatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "timeout", *done.ErrorMessage)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	before := messages(t, env, m.ID)
	release <- struct{}{}
	<-finished
	assert.Equal(t, before, messages(t, env, m.ID))
	assert.NotContains(t, before, "late update")

	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, done, after)
}

func TestDoubleReconcileIsRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	m, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p"})
	require.NoError(t, err)
	done := waitTerminal(t, env, m.ID)

	_, err = env.Engine.Reconcile(env.Ctx, m.ID, agent.Failure{Message: "second opinion"})
	require.ErrorIs(t, err, repo.ErrInvalidTransition)

	after, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, done, after)

	violations := env.Logs.FilterMessageSnippet("integrity violation").FilterLevelExact(zapcore.ErrorLevel)
	assert.Equal(t, 1, violations.Len())
}

func TestSchedulingFailureWhenQueueIsFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	env := newTestEnv(t, func(c *config.Config) {
		c.Executor.Workers = 1
		c.Executor.QueueSize = 1
	}, map[string]agent.Executor{
		"slow": execFunc(func(ctx context.Context, req agent.Request) (agent.Outcome, error) {
			started <- struct{}{}
			<-release
			return agent.Success{Output: "ok"}, nil
		}),
	})
	running, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "first", Agent: "slow"})
	require.NoError(t, err)
	<-started
	queued, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "second", Agent: "slow"})
	require.NoError(t, err)

	rejected, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "third", Agent: "slow"})
	require.ErrorIs(t, err, engine.ErrSchedulingFailed)
	require.ErrorIs(t, err, engine.ErrQueueFull)
	assert.NotEmpty(t, rejected.ID)
	assert.Equal(t, domain.StatusFailed, rejected.Status)
	require.NotNil(t, rejected.ErrorMessage)
	assert.Equal(t, "scheduling failed: queue full", *rejected.ErrorMessage)
	assert.NotNil(t, rejected.CompletedAt)

	close(release)
	assert.Equal(t, domain.StatusCompleted, waitTerminal(t, env, running.ID).Status)
	assert.Equal(t, domain.StatusCompleted, waitTerminal(t, env, queued.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.Metrics.SchedulingFailures.WithLabelValues("queue full")))
}

func TestDispatchValidatesInput(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Missions.MaxPromptLen = 10 }, nil)
	cases := []engine.DispatchRequest{
		{Prompt: "   "},
		{Prompt: "this prompt is too long"},
		{Prompt: "ok", Agent: "ghost"},
	}
	for _, req := range cases {
		_, err := env.Engine.Dispatch(env.Ctx, req)
		assert.ErrorIs(t, err, engine.ErrInvalidInput, "%+v", req)
	}
	all, err := env.Engine.List(env.Ctx, repo.MissionFilters{})
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = env.Engine.List(env.Ctx, repo.MissionFilters{Status: "sleeping"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestGetAndMissionUpdates(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, err := env.Engine.Get(env.Ctx, "nope")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.MissionUpdates(env.Ctx, "nope", 0, 0)
	require.ErrorIs(t, err, repo.ErrNotFound)

	m, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p"})
	require.NoError(t, err)
	done := waitTerminal(t, env, m.ID)

	got, err := env.Engine.Get(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, done, got)
	again, err := env.Engine.Get(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	tail, err := env.Engine.MissionUpdates(env.Ctx, m.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].Seq)
}

func TestRecoverFailsInterruptedMissions(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	r := env.Engine.Repo
	pending, err := r.CreateMission(env.Ctx, "left pending", "echo")
	require.NoError(t, err)
	executing, err := r.CreateMission(env.Ctx, "left executing", "echo")
	require.NoError(t, err)
	_, err = r.UpdateMissionStatus(env.Ctx, repo.StatusChange{ID: executing.ID, To: domain.StatusExecuting})
	require.NoError(t, err)
	finished, err := r.CreateMission(env.Ctx, "already failed", "echo")
	require.NoError(t, err)
	_, err = r.UpdateMissionStatus(env.Ctx, repo.StatusChange{ID: finished.ID, To: domain.StatusFailed})
	require.NoError(t, err)

	n, err := env.Engine.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, id := range []string{pending.ID, executing.ID} {
		m, err := r.GetMission(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, m.Status)
		assert.Equal(t, "interrupted: service restarted", *m.ErrorMessage)
	}
	n, err = env.Engine.Recover(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPoolCloseCancelsRunningMissions(t *testing.T) {
	started := make(chan struct{}, 1)
	env := newTestEnv(t, nil, map[string]agent.Executor{
		"patient": execFunc(func(ctx context.Context, req agent.Request) (agent.Outcome, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	m, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p", Agent: "patient"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = env.Engine.Pool.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, done.Status)
	assert.Equal(t, "canceled", *done.ErrorMessage)

	rejected, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p"})
	require.ErrorIs(t, err, engine.ErrPoolClosed)
	assert.Equal(t, "scheduling failed: pool closed", *rejected.ErrorMessage)
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Executor.Workers = 1 }, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		m, err := env.Engine.Dispatch(env.Ctx, engine.DispatchRequest{Prompt: "p"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	require.NoError(t, env.Engine.Pool.Close(context.Background()))
	for _, id := range ids {
		m, err := env.Engine.Repo.GetMission(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, m.Status)
	}
}

func TestDispatchOutlivesCallerCancellation(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	eng := env.Engine
	// The first progress note is written after the mission row exists.
	eng.Updates.Now = func() time.Time {
		cancel()
		return time.Now()
	}

	m, err := eng.Dispatch(ctx, engine.DispatchRequest{Prompt: "hang up"})
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, domain.StatusExecuting, m.Status)

	done := waitTerminal(t, env, m.ID)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, []string{"dispatched to agent echo", "echoing prompt", "mission completed"}, messages(t, env, m.ID))
}

func TestReconcileSkipsNoteWhenAlreadyTerminal(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	r := env.Engine.Repo
	m, err := r.CreateMission(env.Ctx, "raced", "echo")
	require.NoError(t, err)
	_, err = r.UpdateMissionStatus(env.Ctx, repo.StatusChange{ID: m.ID, To: domain.StatusExecuting})
	require.NoError(t, err)
	_, err = r.UpdateMissionStatus(env.Ctx, repo.StatusChange{ID: m.ID, From: domain.StatusExecuting, To: domain.StatusFailed})
	require.NoError(t, err)

	_, err = env.Engine.Reconcile(env.Ctx, m.ID, agent.Success{Output: "late"})
	require.ErrorIs(t, err, repo.ErrInvalidTransition)
	assert.Empty(t, messages(t, env, m.ID))

	other, err := r.CreateMission(env.Ctx, "on time", "echo")
	require.NoError(t, err)
	_, err = r.UpdateMissionStatus(env.Ctx, repo.StatusChange{ID: other.ID, To: domain.StatusExecuting})
	require.NoError(t, err)
	_, err = env.Engine.Reconcile(env.Ctx, other.ID, agent.Failure{Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mission failed: boom"}, messages(t, env, other.ID))
}
