package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"missionline/internal/llm"
)

const (
	DeveloperName   = "developer"
	defaultMaxSteps = 5
)

const planTemplate = `You are a software developer agent. Break the mission below into at most %d concrete steps.
Reply as JSON: {"steps": ["..."]}.

Mission:
%s`

const stepTemplate = `You are a software developer agent working on this mission:
%s

Completed so far:
%s

Now carry out step %d of %d: %s`

var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"steps": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
	"required": []string{"steps"},
}

type plan struct {
	Steps []string `json:"steps"`
}

// Developer plans the mission with one JSON call, then runs one call per step.
type Developer struct {
	LLM      llm.Provider
	MaxSteps int
}

func (a Developer) Execute(ctx context.Context, req Request) (Outcome, error) {
	if a.LLM == nil {
		return nil, llm.ErrNotInitialized
	}
	maxSteps := a.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	meta := map[string]string{"agent": DeveloperName, "provider": a.LLM.Name()}

	req.report(ctx, "planning", "info")
	raw, err := a.LLM.GenerateJSON(ctx, fmt.Sprintf(planTemplate, maxSteps, req.Prompt), planSchema)
	if err != nil {
		return Failure{Message: "plan: " + err.Error(), Metadata: meta}, nil
	}
	steps, err := parsePlan(raw, maxSteps)
	if err != nil {
		return Failure{Message: err.Error(), Metadata: meta}, nil
	}
	meta["steps"] = strconv.Itoa(len(steps))
	req.report(ctx, fmt.Sprintf("plan has %d steps", len(steps)), "info")

	var done []string
	var out strings.Builder
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req.report(ctx, fmt.Sprintf("step %d/%d: %s", i+1, len(steps), step), "progress")
		prev := "(nothing yet)"
		if len(done) > 0 {
			prev = "- " + strings.Join(done, "\n- ")
		}
		res, err := a.LLM.Generate(ctx, fmt.Sprintf(stepTemplate, req.Prompt, prev, i+1, len(steps), step))
		if err != nil {
			req.report(ctx, fmt.Sprintf("step %d failed: %v", i+1, err), "error")
			return Failure{Message: fmt.Sprintf("step %d: %v", i+1, err), Metadata: meta}, nil
		}
		done = append(done, step)
		fmt.Fprintf(&out, "## %d. %s\n\n%s\n\n", i+1, step, strings.TrimSpace(res))
	}
	result := strings.TrimSpace(out.String())

	if req.Workspace != "" {
		path, err := writeArtifact(req.Workspace, req.MissionID, result)
		if err != nil {
			req.report(ctx, "could not write artifact: "+err.Error(), "warning")
		} else {
			meta["artifact"] = path
		}
	}
	return Success{Output: result, Metadata: meta}, nil
}

func parsePlan(raw string, maxSteps int) ([]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var p plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	steps := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	if len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	return steps, nil
}

func writeArtifact(workspace, missionID, content string) (string, error) {
	dir := filepath.Join(workspace, missionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "result.md")
	if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
