package agent

import "context"

const EchoName = "echo"

// Echo returns the prompt unchanged. It needs no backend and is the offline default.
type Echo struct{}

func (Echo) Execute(ctx context.Context, req Request) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req.report(ctx, "echoing prompt", "info")
	return Success{Output: req.Prompt, Metadata: map[string]string{"agent": EchoName}}, nil
}
