// Package dispatcher routes a parse job to the extraction strategy named by its strategy tag.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/permit-crawler/internal/jobs"
	"github.com/JakeFAU/permit-crawler/internal/permit"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
)

// ErrNoStrategy is returned when no implementation is registered for a tag.
var ErrNoStrategy = errors.New("no strategy registered")

// Target is the minimal permit context a strategy receives.
type Target struct {
	StatusNo  string
	DetailURL string
}

// Artifact is a raw document fetched during an attempt.
type Artifact struct {
	Kind        string
	URL         string
	ContentType string
	Body        []byte
}

// Candidate is what a strategy extracted. Baseline is the strategy's own
// confidence hint; the accepted score always comes from the shared scorer.
type Candidate struct {
	Record    permit.Record
	Baseline  float64
	PDFURL    string
	Snippet   string
	Artifacts []Artifact
}

// Strategy extracts permit fields for one target.
type Strategy interface {
	Extract(ctx context.Context, target Target) (Candidate, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, target Target) (Candidate, error)

// Extract calls f.
func (f StrategyFunc) Extract(ctx context.Context, target Target) (Candidate, error) {
	return f(ctx, target)
}

// Dispatcher maps strategy tags to implementations.
type Dispatcher struct {
	mu         sync.RWMutex
	strategies map[jobs.Strategy]Strategy
	tracer     trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracer traces attempts with t instead of the global module tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New creates an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{strategies: make(map[jobs.Strategy]Strategy)}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = telemetry.Tracer()
	}
	return d
}

// Register binds impl to tag, replacing any previous binding.
func (d *Dispatcher) Register(tag jobs.Strategy, impl Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strategies[tag] = impl
}

// Dispatch runs the strategy registered for tag inside a "strategy.attempt" span.
func (d *Dispatcher) Dispatch(ctx context.Context, tag jobs.Strategy, target Target) (Candidate, error) {
	ctx, span := d.tracer.Start(ctx, "strategy.attempt", trace.WithAttributes(
		attribute.String("permit.status_no", target.StatusNo),
		attribute.String("permit.strategy", tag.String()),
		attribute.String("permit.detail_url", target.DetailURL),
	))
	defer span.End()

	d.mu.RLock()
	impl, ok := d.strategies[tag]
	d.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoStrategy, tag)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Candidate{}, err
	}

	cand, err := impl.Extract(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cand, err
	}
	span.SetAttributes(
		attribute.Int("permit.candidate_fields", len(cand.Record.Fields())),
		attribute.Int("permit.artifacts", len(cand.Artifacts)),
		attribute.Bool("permit.pdf", cand.PDFURL != ""),
	)
	return cand, nil
}
