package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"missionline/internal/agent"
	"missionline/internal/logging"
	"missionline/internal/metrics"
)

var (
	ErrQueueFull  = errors.New("queue full")
	ErrPoolClosed = errors.New("pool closed")
)

const (
	outcomeTimeout  = "timeout"
	outcomeCanceled = "canceled"
)

type PoolConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds each execution; zero means no limit.
	Timeout time.Duration
}

// Job is one mission execution.
type Job struct {
	MissionID string
	Agent     string
	Executor  agent.Executor
	Request   agent.Request
	// Finish runs on the worker once the outcome is known and the reporter is sealed. Its
	// context is detached from pool shutdown.
	Finish func(ctx context.Context, out agent.Outcome, elapsed time.Duration)
}

// Pool runs jobs on a fixed set of workers behind a bounded queue. Capacity is claimed with
// Reserve, which never blocks.
type Pool struct {
	cfg     PoolConfig
	jobs    chan Job
	tokens  chan struct{}
	quit    chan struct{}
	base    context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	closed   bool
	pending  sync.WaitGroup
	workers  sync.WaitGroup
	inFlight atomic.Int64
}

func NewPool(cfg PoolConfig, logger *zap.Logger, m *metrics.Metrics) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	base, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueSize),
		tokens:  make(chan struct{}, cfg.QueueSize),
		quit:    make(chan struct{}),
		base:    base,
		cancel:  cancel,
		logger:  logging.OrNop(logger),
		metrics: m,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p
}

// Reservation is a claimed queue slot. It must be either submitted or released.
type Reservation struct {
	p    *Pool
	used atomic.Bool
}

// Reserve claims a queue slot without blocking.
func (p *Pool) Reserve() (*Reservation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	select {
	case p.tokens <- struct{}{}:
	default:
		return nil, ErrQueueFull
	}
	p.pending.Add(1)
	p.metrics.QueueDelta(1)
	return &Reservation{p: p}, nil
}

// Submit enqueues job into the reserved slot. It never blocks.
func (r *Reservation) Submit(job Job) {
	if !r.used.CompareAndSwap(false, true) {
		return
	}
	r.p.jobs <- job
}

// Release gives the slot back without running anything.
func (r *Reservation) Release() {
	if !r.used.CompareAndSwap(false, true) {
		return
	}
	r.p.dequeue()
	r.p.pending.Done()
}

func (p *Pool) dequeue() {
	<-p.tokens
	p.metrics.QueueDelta(-1)
}

// InFlight reports the number of executors currently running.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		select {
		case job := <-p.jobs:
			p.dequeue()
			p.run(job)
			p.pending.Done()
		case <-p.quit:
			return
		}
	}
}

var tracer = otel.Tracer("missionline/engine")

func (p *Pool) run(job Job) {
	ctx := p.base
	var cancel context.CancelFunc
	if p.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	ctx, span := tracer.Start(ctx, "mission.execute")
	span.SetAttributes(attribute.String("mission.id", job.MissionID), attribute.String("mission.agent", job.Agent))
	defer span.End()

	p.inFlight.Add(1)
	p.metrics.InFlightDelta(1)
	defer func() {
		p.inFlight.Add(-1)
		p.metrics.InFlightDelta(-1)
	}()

	reporter := &sealedReporter{next: job.Request.Reporter}
	req := job.Request
	req.Reporter = reporter

	start := time.Now()
	results := make(chan agent.Outcome, 1)
	go func() {
		results <- agent.Run(ctx, job.Executor, req)
	}()
	var out agent.Outcome
	select {
	case out = <-results:
		if _, failed := out.(agent.Failure); failed && ctx.Err() != nil {
			out = agent.Failure{Message: interruption(ctx)}
		}
	case <-ctx.Done():
		out = agent.Failure{Message: interruption(ctx)}
		p.logger.Warn("executor abandoned", zap.String("mission_id", job.MissionID), zap.String("reason", interruption(ctx)))
	}
	elapsed := time.Since(start)
	reporter.seal()

	if f, ok := out.(agent.Failure); ok {
		span.SetStatus(codes.Error, f.Message)
	}
	if job.Finish != nil {
		job.Finish(context.WithoutCancel(ctx), out, elapsed)
	}
}

func interruption(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return outcomeTimeout
	}
	return outcomeCanceled
}

// Close stops new reservations and waits for queued jobs to start and finish. When ctx
// expires first, running and queued executions are canceled and reconciled as such.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(idle)
	}()
	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
		p.cancel()
		<-idle
	}
	close(p.quit)
	p.workers.Wait()
	p.cancel()
	return err
}

// sealedReporter forwards reports until sealed. seal waits for an in-progress report.
type sealedReporter struct {
	mu     sync.Mutex
	sealed bool
	next   agent.Reporter
}

func (r *sealedReporter) Report(ctx context.Context, message, updateType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed || r.next == nil {
		return
	}
	r.next.Report(ctx, message, updateType)
}

func (r *sealedReporter) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
