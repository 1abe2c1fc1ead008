package agent

import (
	"context"
	"fmt"
	"strings"

	"missionline/internal/llm"
)

const ResearcherName = "researcher"

const researcherTemplate = `You are a research agent. Answer the mission below thoroughly and cite what you rely on.

Mission:
%s`

// Researcher answers the mission with a single model call.
type Researcher struct {
	LLM llm.Provider
}

func (a Researcher) Execute(ctx context.Context, req Request) (Outcome, error) {
	if a.LLM == nil {
		return nil, llm.ErrNotInitialized
	}
	req.report(ctx, "querying "+a.LLM.Name(), "info")
	out, err := a.LLM.Generate(ctx, fmt.Sprintf(researcherTemplate, strings.TrimSpace(req.Prompt)))
	if err != nil {
		return Failure{Message: err.Error(), Metadata: map[string]string{"provider": a.LLM.Name()}}, nil
	}
	req.report(ctx, "answer received", "progress")
	return Success{Output: out, Metadata: map[string]string{"agent": ResearcherName, "provider": a.LLM.Name()}}, nil
}
