package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"missionline/internal/agent"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/logging"
	"missionline/internal/metrics"
	"missionline/internal/repo"
	"missionline/internal/updates"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrSchedulingFailed = errors.New("scheduling failed")
)

const interruptedMessage = "interrupted: service restarted"

// Engine dispatches missions to the pool and is the only writer of terminal statuses.
type Engine struct {
	Repo    repo.Repo
	Updates updates.Log
	Agents  *agent.Registry
	Pool    *Pool
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// terminal caches missions that can no longer change.
	terminal *lru.Cache[string, domain.Mission]
}

type Deps struct {
	Repo    repo.Repo
	Updates updates.Log
	Agents  *agent.Registry
	Pool    *Pool
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func New(d Deps) (Engine, error) {
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		Repo:    d.Repo,
		Updates: d.Updates,
		Agents:  d.Agents,
		Pool:    d.Pool,
		Config:  cfg,
		Logger:  logging.OrNop(d.Logger),
		Metrics: d.Metrics,
	}
	if cfg.Missions.CacheSize > 0 {
		c, err := lru.New[string, domain.Mission](cfg.Missions.CacheSize)
		if err != nil {
			return Engine{}, fmt.Errorf("mission cache: %w", err)
		}
		e.terminal = c
	}
	return e, nil
}

type DispatchRequest struct {
	Prompt string
	// Agent selects the executor; empty means the configured default.
	Agent string
}

// Dispatch records a new mission, moves it to executing and hands it to the pool without
// waiting for it to run. When the pool has no room the mission is failed and returned along
// with an error matching ErrSchedulingFailed.
func (e Engine) Dispatch(ctx context.Context, req DispatchRequest) (domain.Mission, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return domain.Mission{}, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if limit := e.Config.Missions.MaxPromptLen; limit > 0 && len(req.Prompt) > limit {
		return domain.Mission{}, fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidInput, limit)
	}
	name, exec, ok := e.Agents.Resolve(req.Agent)
	if !ok {
		return domain.Mission{}, fmt.Errorf("%w: unknown agent %q", ErrInvalidInput, name)
	}

	m, err := e.Repo.CreateMission(ctx, req.Prompt, name)
	if err != nil {
		return domain.Mission{}, err
	}
	// The row is committed: the remaining writes must land even if the caller goes away,
	// otherwise the mission is left pending.
	ctx = context.WithoutCancel(ctx)
	log := logging.Mission(e.Logger, m.ID)

	slot, err := e.Pool.Reserve()
	if err != nil {
		e.Metrics.SchedulingFailed(err.Error())
		failed, ferr := e.failPending(ctx, m.ID, "scheduling failed: "+err.Error())
		if ferr != nil {
			return m, ferr
		}
		log.Warn("mission not scheduled", zap.Error(err))
		return failed, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}

	e.appendUpdate(ctx, m.ID, "dispatched to agent "+name, domain.UpdateInfo)
	started, err := e.Repo.UpdateMissionStatus(ctx, repo.StatusChange{ID: m.ID, From: domain.StatusPending, To: domain.StatusExecuting})
	if err != nil {
		slot.Release()
		log.Error("could not start mission", zap.Error(err))
		if failed, ferr := e.failPending(ctx, m.ID, "dispatch failed: "+err.Error()); ferr == nil {
			return failed, err
		}
		return m, err
	}
	m = started
	slot.Submit(Job{
		MissionID: m.ID,
		Agent:     name,
		Executor:  exec,
		Request: agent.Request{
			MissionID: m.ID,
			Prompt:    m.Prompt,
			Workspace: e.Config.Agents.Workspace,
			Reporter:  e.reporter(m.ID),
		},
		Finish: func(ctx context.Context, out agent.Outcome, elapsed time.Duration) {
			e.finish(ctx, m, out, elapsed)
		},
	})
	e.Metrics.Dispatched(name)
	log.Info("mission dispatched", zap.String("agent", name))
	return m, nil
}

func (e Engine) reporter(missionID string) agent.Reporter {
	return agent.ReporterFunc(func(ctx context.Context, message, updateType string) {
		e.appendUpdate(ctx, missionID, message, updateType)
	})
}

// appendUpdate writes to the progress log. A failure is logged and otherwise ignored since
// the log never drives control flow.
func (e Engine) appendUpdate(ctx context.Context, missionID, message, updateType string) {
	if _, err := e.Updates.Append(ctx, missionID, message, updateType); err != nil {
		logging.Mission(e.Logger, missionID).Warn("append update", zap.Error(err))
	}
}

// failPending fails a mission that never reached the pool. The note is written only if the
// mission is still pending.
func (e Engine) failPending(ctx context.Context, missionID, msg string) (domain.Mission, error) {
	failed, err := e.Repo.UpdateMissionStatus(ctx, repo.StatusChange{
		ID: missionID, From: domain.StatusPending, To: domain.StatusFailed, Error: &msg,
		OnApply: func(ctx context.Context) { e.appendUpdate(ctx, missionID, msg, domain.UpdateError) },
	})
	if err != nil {
		logging.Mission(e.Logger, missionID).Error("could not fail pending mission", zap.Error(err))
	}
	return failed, err
}

func (e Engine) finish(ctx context.Context, m domain.Mission, out agent.Outcome, elapsed time.Duration) {
	done, err := e.Reconcile(ctx, m.ID, out)
	if err != nil {
		return
	}
	e.Metrics.Finished(m.Agent, string(done.Status), elapsed)
}

// Reconcile applies an executor outcome to an executing mission. It succeeds at most once per
// mission; later calls return an error matching repo.ErrInvalidTransition and change nothing.
func (e Engine) Reconcile(ctx context.Context, missionID string, out agent.Outcome) (domain.Mission, error) {
	ch := repo.StatusChange{ID: missionID, From: domain.StatusExecuting}
	note, noteType := "mission completed", domain.UpdateInfo
	switch o := out.(type) {
	case agent.Success:
		output := o.Output
		ch.To, ch.Result, ch.Metadata = domain.StatusCompleted, &output, o.Metadata
	case agent.Failure:
		msg := o.Message
		ch.To, ch.Error, ch.Metadata = domain.StatusFailed, &msg, o.Metadata
		note, noteType = "mission failed: "+msg, domain.UpdateError
	default:
		msg := "executor returned no outcome"
		ch.To, ch.Error = domain.StatusFailed, &msg
		note, noteType = "mission failed: "+msg, domain.UpdateError
	}
	// The closing note is written under the status lock, so it never follows a terminal state
	// set by another writer.
	ch.OnApply = func(ctx context.Context) { e.appendUpdate(ctx, missionID, note, noteType) }
	log := logging.Mission(e.Logger, missionID)
	m, err := e.Repo.UpdateMissionStatus(ctx, ch)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			log.Error("integrity violation: mission already reconciled or not executing",
				zap.String("status", string(m.Status)), zap.String("target", string(ch.To)), zap.Error(err))
		} else {
			log.Error("reconcile mission", zap.Error(err))
		}
		return m, err
	}
	e.remember(m)
	log.Info("mission reconciled", zap.String("status", string(m.Status)))
	return m, nil
}

func (e Engine) remember(m domain.Mission) {
	if e.terminal != nil && m.Status.IsTerminal() {
		e.terminal.Add(m.ID, m)
	}
}

// Get returns a mission. Terminal missions are served from memory once seen.
func (e Engine) Get(ctx context.Context, id string) (domain.Mission, error) {
	if e.terminal != nil {
		if m, ok := e.terminal.Get(id); ok {
			return m, nil
		}
	}
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	e.remember(m)
	return m, nil
}

func (e Engine) List(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	return e.Repo.ListMissions(ctx, f)
}

// MissionUpdates returns the mission's progress log after seq afterSeq.
func (e Engine) MissionUpdates(ctx context.Context, id string, afterSeq int64, limit int) ([]domain.MissionUpdate, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Updates.ListAfter(ctx, id, afterSeq, limit)
}

// Recover fails missions left pending or executing by a previous process. It must run before
// the first Dispatch.
func (e Engine) Recover(ctx context.Context) (int, error) {
	var stuck []domain.Mission
	for _, status := range []domain.MissionStatus{domain.StatusPending, domain.StatusExecuting} {
		for m, err := range e.Repo.Missions(ctx, repo.MissionFilters{Status: status}) {
			if err != nil {
				return 0, err
			}
			stuck = append(stuck, m)
		}
	}
	msg := interruptedMessage
	for _, m := range stuck {
		_, err := e.Repo.UpdateMissionStatus(ctx, repo.StatusChange{
			ID: m.ID, From: m.Status, To: domain.StatusFailed, Error: &msg,
			OnApply: func(ctx context.Context) { e.appendUpdate(ctx, m.ID, msg, domain.UpdateError) },
		})
		if err != nil {
			return 0, err
		}
		logging.Mission(e.Logger, m.ID).Warn("interrupted mission failed", zap.String("previous_status", string(m.Status)))
	}
	return len(stuck), nil
}
