package narration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
)

const tracerName = "github.com/danielpatrickdp/tavern-sim/narrative/internal/narration"

// #region config

// PoolConfig bounds the narration worker pool.
type PoolConfig struct {
	Concurrency int           // requests in flight at once
	Timeout     time.Duration // per request; zero means none
}

// DefaultPoolConfig returns four workers and a thirty second timeout.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Concurrency: 4, Timeout: 30 * time.Second}
}

// #endregion config

// #region pool

// Pool runs narration requests concurrently. A failed request becomes a
// result with Err set; it never cancels its siblings.
type Pool struct {
	narrator Narrator
	cfg      PoolConfig
	log      *zap.Logger
	tracer   trace.Tracer

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int32
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) { p.log = l.Named("narration") }
}

// WithTracerProvider sets where spans go. The global provider is the default.
func WithTracerProvider(tp trace.TracerProvider) PoolOption {
	return func(p *Pool) { p.tracer = tp.Tracer(tracerName) }
}

// NewPool creates a pool around n.
func NewPool(n Narrator, cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	p := &Pool{
		narrator: n,
		cfg:      cfg,
		log:      zap.NewNop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run narrates every request and returns results in request order. It blocks
// until all requests finish or ctx is done.
func (p *Pool) Run(ctx context.Context, reqs []Request) []orchestrator.NarrationResult {
	results := make([]orchestrator.NarrationResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for i, req := range reqs {
		i, req := i, req
		p.submitted.Inc()
		g.Go(func() error {
			results[i] = p.narrate(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Start runs reqs in the background. The channel yields one batch and closes.
func (p *Pool) Start(ctx context.Context, reqs []Request) <-chan []orchestrator.NarrationResult {
	out := make(chan []orchestrator.NarrationResult, 1)
	go func() {
		defer close(out)
		out <- p.Run(ctx, reqs)
	}()
	return out
}

func (p *Pool) narrate(ctx context.Context, req Request) orchestrator.NarrationResult {
	p.inFlight.Inc()
	defer p.inFlight.Dec()

	ctx, span := p.tracer.Start(ctx, "narration.narrate", trace.WithAttributes(
		attribute.String("narration.request_id", req.ID),
		attribute.String("narration.thread_id", req.ThreadID),
		attribute.String("narration.kind", string(req.Kind)),
	))
	defer span.End()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	res := orchestrator.NarrationResult{RequestID: req.ID, ThreadID: req.ThreadID}
	text, err := p.narrator.Narrate(ctx, req)
	if err != nil {
		p.failed.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.log.Warn("narration failed", zap.String("request", req.ID), zap.Error(err))
		res.Err = err.Error()
		return res
	}
	p.succeeded.Inc()
	res.Text = text
	return res
}

// #endregion pool

// #region stats

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
	InFlight  int32
}

// Stats reads the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		InFlight:  p.inFlight.Load(),
	}
}

// #endregion stats
