package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "missionline/llm"

type limited struct {
	next    Provider
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// Limit wraps p so that calls wait on a token bucket and run inside a span. A non-positive
// rate disables the limiter.
func Limit(p Provider, perSecond float64, burst int) Provider {
	l := &limited{next: p, tracer: otel.Tracer(tracerName)}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

func (l *limited) Name() string { return l.next.Name() }

func (l *limited) Generate(ctx context.Context, prompt string) (string, error) {
	return l.call(ctx, "llm.generate", func(ctx context.Context) (string, error) {
		return l.next.Generate(ctx, prompt)
	})
}

func (l *limited) GenerateJSON(ctx context.Context, prompt string, schema any) (string, error) {
	return l.call(ctx, "llm.generate_json", func(ctx context.Context) (string, error) {
		return l.next.GenerateJSON(ctx, prompt, schema)
	})
}

func (l *limited) call(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := l.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("llm.provider", l.next.Name())))
	defer span.End()
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limit wait")
			return "", err
		}
	}
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("llm.reply_bytes", len(out)))
	return out, nil
}
