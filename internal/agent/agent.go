// Package agent defines the executors that carry out a mission and the containment boundary
// that turns anything they do into an Outcome.
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Outcome is either Success or Failure.
type Outcome interface {
	isOutcome()
}

type Success struct {
	Output   string
	Metadata map[string]string
}

type Failure struct {
	Message  string
	Metadata map[string]string
}

func (Success) isOutcome() {}
func (Failure) isOutcome() {}

// Reporter receives progress for the mission being executed. Reports sent after the mission
// has been reconciled are dropped.
type Reporter interface {
	Report(ctx context.Context, message, updateType string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, message, updateType string)

func (f ReporterFunc) Report(ctx context.Context, message, updateType string) { f(ctx, message, updateType) }

// Discard is a Reporter that drops everything.
var Discard Reporter = ReporterFunc(func(context.Context, string, string) {})

type Request struct {
	MissionID string
	Prompt    string
	// Workspace is a directory the executor may write artifacts into. It may be empty.
	Workspace string
	Reporter  Reporter
}

func (r Request) report(ctx context.Context, message, updateType string) {
	if r.Reporter != nil {
		r.Reporter.Report(ctx, message, updateType)
	}
}

// Executor runs one mission. Implementations must not touch mission records.
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// Run executes exec and always returns an Outcome. Errors, panics and nil outcomes become
// Failure.
func Run(ctx context.Context, exec Executor, req Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failure{
				Message:  fmt.Sprintf("executor panic: %v", r),
				Metadata: map[string]string{"panic": "true", "stack": truncate(string(debug.Stack()), 4096)},
			}
		}
	}()
	if exec == nil {
		return Failure{Message: "no executor"}
	}
	res, err := exec.Execute(ctx, req)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "executor error"
		}
		meta := metadataOf(res)
		return Failure{Message: msg, Metadata: meta}
	}
	switch o := res.(type) {
	case Success:
		return o
	case *Success:
		if o != nil {
			return *o
		}
	case Failure:
		return o
	case *Failure:
		if o != nil {
			return *o
		}
	}
	return Failure{Message: "executor returned no outcome"}
}

func metadataOf(o Outcome) map[string]string {
	switch v := o.(type) {
	case Success:
		return v.Metadata
	case Failure:
		return v.Metadata
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
