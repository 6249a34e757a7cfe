package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/permit-crawler/internal/jobs"
	"github.com/JakeFAU/permit-crawler/internal/permit"
)

func TestDispatchRoutesByTag(t *testing.T) {
	t.Parallel()

	d := New()
	var got Target
	d.Register(jobs.StrategyStandard, StrategyFunc(func(_ context.Context, target Target) (Candidate, error) {
		got = target
		return Candidate{Record: permit.Record{Section: permit.Ptr("1")}, Baseline: 0.5}, nil
	}))
	d.Register(jobs.StrategyRetryFreshSession, StrategyFunc(func(context.Context, Target) (Candidate, error) {
		return Candidate{}, errors.New("fresh session failed")
	}))

	cand, err := d.Dispatch(context.Background(), jobs.StrategyStandard, Target{StatusNo: "1", DetailURL: "https://x/1"})
	require.NoError(t, err)
	assert.Equal(t, "https://x/1", got.DetailURL)
	assert.InDelta(t, 0.5, cand.Baseline, 0)

	_, err = d.Dispatch(context.Background(), jobs.StrategyRetryFreshSession, Target{})
	require.EqualError(t, err, "fresh session failed")
}

func TestDispatchUnknownTag(t *testing.T) {
	t.Parallel()

	_, err := New().Dispatch(context.Background(), jobs.StrategyManualExtraction, Target{})
	require.ErrorIs(t, err, ErrNoStrategy)
	assert.Contains(t, err.Error(), "MANUAL_EXTRACTION")
}

func TestDispatchRecordsAttemptSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	d := New(WithTracer(tp.Tracer("test")))
	d.Register(jobs.StrategyStandard, StrategyFunc(func(context.Context, Target) (Candidate, error) {
		return Candidate{Record: permit.Record{Section: permit.Ptr("1"), Block: permit.Ptr("2")}}, nil
	}))
	d.Register(jobs.StrategyAlternativePDF, StrategyFunc(func(context.Context, Target) (Candidate, error) {
		return Candidate{}, errors.New("pdf unavailable")
	}))

	_, err := d.Dispatch(context.Background(), jobs.StrategyStandard, Target{StatusNo: "906213"})
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), jobs.StrategyAlternativePDF, Target{StatusNo: "906213"})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "strategy.attempt", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("permit.strategy", "STANDARD"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("permit.candidate_fields", 2))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("permit.strategy", "ALTERNATIVE_PDF"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "pdf unavailable", spans[1].Status().Description)
}
