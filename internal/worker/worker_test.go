package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/confidence"
	"github.com/JakeFAU/permit-crawler/internal/dispatcher"
	"github.com/JakeFAU/permit-crawler/internal/jobs"
	"github.com/JakeFAU/permit-crawler/internal/permit"
	memorypub "github.com/JakeFAU/permit-crawler/internal/publisher/memory"
	memorystore "github.com/JakeFAU/permit-crawler/internal/storage/memory"
)

const detailTemplate = "https://rrc.test/dp/%s"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeHasher struct{ hash string }

func (h fakeHasher) Hash([]byte) (string, error) { return h.hash, nil }

type fakeIDs struct{}

func (fakeIDs) NewID() (string, error) { return "event-1", nil }

// scriptedDispatcher replays results in order and records what it was asked.
type scriptedDispatcher struct {
	mu      sync.Mutex
	results []scripted
	calls   []dispatched
}

type scripted struct {
	cand dispatcher.Candidate
	err  error
}

type dispatched struct {
	tag    jobs.Strategy
	target dispatcher.Target
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, tag jobs.Strategy, target dispatcher.Target) (dispatcher.Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{tag: tag, target: target})
	if len(d.results) == 0 {
		return dispatcher.Candidate{}, errors.New("no scripted result")
	}
	next := d.results[0]
	d.results = d.results[1:]
	return next.cand, next.err
}

type harness struct {
	worker    *Worker
	jobs      *jobs.Store
	records   *memorystore.RecordStore
	blobs     *memorystore.BlobStore
	publisher *memorypub.Publisher
	dispatch  *scriptedDispatcher
	pauses    []time.Duration
}

func newHarness(t *testing.T, cfg Config, results ...scripted) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 10, 9, 15, 0, 0, 0, time.UTC)}
	store, err := jobs.Open(jobs.Options{
		Path:   filepath.Join(t.TempDir(), "parse_jobs.jsonl"),
		Clock:  clock,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	h := &harness{
		jobs:      store,
		records:   memorystore.NewRecordStore(),
		blobs:     memorystore.NewBlobStore(),
		publisher: memorypub.New(),
		dispatch:  &scriptedDispatcher{results: results},
	}
	if cfg.DetailURLTemplate == "" {
		cfg.DetailURLTemplate = detailTemplate
	}
	w, err := New(Deps{
		Jobs:       store,
		Dispatcher: h.dispatch,
		Records:    h.records,
		Scorer:     confidence.New(confidence.DefaultParams()),
		Blobs:      h.blobs,
		Publisher:  h.publisher,
		Hasher:     fakeHasher{hash: "abc123"},
		IDs:        fakeIDs{},
		Clock:      clock,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	w.pause = func(_ context.Context, d time.Duration) error {
		h.pauses = append(h.pauses, d)
		return nil
	}
	h.worker = w
	return h
}

func transportErr() scripted {
	return scripted{err: &permit.FetchError{Kind: permit.FetchConnectionRefused, URL: "https://rrc.test/dp/906213"}}
}

func locationCandidate() scripted {
	return scripted{cand: dispatcher.Candidate{
		Record: permit.Record{
			Section: permit.Ptr("12"),
			Block:   permit.Ptr("7"),
			Survey:  permit.Ptr("T&P RR CO"),
		},
		Baseline: 0.8,
		PDFURL:   "https://rrc.test/docs/906213.pdf",
		Snippet:  "Section: 12 Block: 7",
		Artifacts: []dispatcher.Artifact{
			{Kind: "detail", URL: "https://rrc.test/dp/906213", ContentType: "text/html", Body: []byte("<html></html>")},
			{Kind: "pdf", URL: "https://rrc.test/docs/906213.pdf", ContentType: "application/pdf", Body: []byte("%PDF")},
		},
	}}
}

func TestTransportErrorQueuesFreshSessionRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, transportErr())
	_, err := h.worker.Enqueue("906213")
	require.NoError(t, err)

	job, err := h.worker.ProcessJob(context.Background(), "906213")
	require.NoError(t, err)

	assert.Equal(t, jobs.StateRetryQueued, job.State)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, jobs.StrategyRetryFreshSession, job.Strategy)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "connection_refused")

	require.Len(t, h.dispatch.calls, 1)
	assert.Equal(t, jobs.StrategyStandard, h.dispatch.calls[0].tag)
	assert.Equal(t, "https://rrc.test/dp/906213", h.dispatch.calls[0].target.DetailURL)
}

func TestSuccessMergesRecordAndArchives(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BlobPrefix: "permits", Topic: "permit-jobs"}, locationCandidate())
	require.NoError(t, h.records.Upsert(context.Background(), permit.Record{
		StatusNo:     permit.Ptr("906213"),
		OperatorName: permit.Ptr("ACME ENERGY"),
		DetailURL:    permit.Ptr("https://rrc.test/custom/906213"),
	}))
	_, err := h.worker.Enqueue("906213")
	require.NoError(t, err)

	job, err := h.worker.ProcessJob(context.Background(), "906213")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateSuccess, job.State)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Greater(t, job.ConfidenceScore, 0.0)
	assert.Equal(t, "12", job.ParsedFields["section"])
	assert.NotContains(t, job.ParsedFields, "operator_name")
	assert.Equal(t, "https://rrc.test/custom/906213", h.dispatch.calls[0].target.DetailURL)

	rec, ok, err := h.records.Get(context.Background(), "906213")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ACME ENERGY", *rec.OperatorName)
	assert.Equal(t, "T&P RR CO", *rec.Survey)
	assert.Equal(t, permit.ParseStatusSuccess, *rec.ParseStatus)
	assert.InDelta(t, job.ConfidenceScore, *rec.Confidence, 1e-9)
	assert.Equal(t, "https://rrc.test/docs/906213.pdf", *rec.PDFURL)
	assert.Equal(t, "Section: 12 Block: 7", *rec.TextSnippet)
	require.NotNil(t, rec.LastEnrichedAt)

	assert.ElementsMatch(t, []string{"permits/906213/abc123.html", "permits/906213/abc123.pdf"}, h.blobs.Paths())

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "permit-jobs", msgs[0].Topic)
	event, ok := msgs[0].Payload.(JobEvent)
	require.True(t, ok)
	assert.Equal(t, "event-1", event.EventID)
	assert.Equal(t, "SUCCESS", event.State)
	assert.Equal(t, "STANDARD", event.Attempted)
	assert.ElementsMatch(t, []string{
		"memory://permits/906213/abc123.html",
		"memory://permits/906213/abc123.pdf",
	}, event.Artifacts)
	assert.Equal(t, map[string]string{"state": "SUCCESS", "status_no": "906213"}, event.Attributes())
}

func TestRepeatedFailuresEndInManualReview(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, transportErr(), transportErr(), transportErr())
	_, err := h.worker.Enqueue("906213")
	require.NoError(t, err)

	var job jobs.ParseJob
	for range 3 {
		job, err = h.worker.ProcessJob(context.Background(), "906213")
		require.NoError(t, err)
	}
	assert.Equal(t, jobs.StateManualReview, job.State)
	assert.Equal(t, jobs.StrategyManualExtraction, job.Strategy)
	assert.Equal(t, 3, job.AttemptCount)

	tags := make([]jobs.Strategy, 0, len(h.dispatch.calls))
	for _, c := range h.dispatch.calls {
		tags = append(tags, c.tag)
	}
	assert.Equal(t, []jobs.Strategy{
		jobs.StrategyStandard,
		jobs.StrategyRetryFreshSession,
		jobs.StrategyAlternativePDF,
	}, tags)

	rec, ok, err := h.records.Get(context.Background(), "906213")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, permit.ParseStatusManualReview, *rec.ParseStatus)

	review := h.worker.ManualReviewJobs(10)
	require.Len(t, review, 1)

	_, err = h.worker.ProcessJob(context.Background(), "906213")
	require.ErrorIs(t, err, jobs.ErrInvalidTransition)

	retried, err := h.worker.ManualRetry("906213")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRetryQueued, retried.State)
	assert.Equal(t, jobs.StrategyStandard, retried.Strategy)
	assert.Equal(t, 0, retried.AttemptCount)
}

func TestMissingDetailURLFailsPermanently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{DetailURLTemplate: "no-placeholder"})
	_, err := h.worker.Enqueue("906213")
	require.NoError(t, err)

	job, err := h.worker.ProcessJob(context.Background(), "906213")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Empty(t, h.dispatch.calls)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, ErrNoDetailURL.Error())

	rec, ok, err := h.records.Get(context.Background(), "906213")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, permit.ParseStatusFailed, *rec.ParseStatus)
}

func TestLowConfidenceCandidateIsRejected(t *testing.T) {
	t.Parallel()

	noLocation := scripted{cand: dispatcher.Candidate{
		Record:   permit.Record{County: permit.Ptr("REEVES")},
		Baseline: 0.5,
	}}
	h := newHarness(t, Config{}, noLocation)
	_, err := h.worker.Enqueue("906213")
	require.NoError(t, err)

	job, err := h.worker.ProcessJob(context.Background(), "906213")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRetryQueued, job.State)
	assert.InDelta(t, 0.0, job.ConfidenceScore, 0)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "confidence")

	_, ok, err := h.records.Get(context.Background(), "906213")
	require.NoError(t, err)
	assert.False(t, ok, "rejected candidates are not stored")
}

func TestStoredFieldsDoNotCountTowardConfidence(t *testing.T) {
	t.Parallel()

	queueOnly := scripted{cand: dispatcher.Candidate{
		Record: permit.Record{CurrentQueue: permit.Ptr("Approved")},
	}}
	h := newHarness(t, Config{}, queueOnly)
	require.NoError(t, h.records.Upsert(context.Background(), permit.Record{
		StatusNo:  permit.Ptr("906213"),
		FieldName: permit.Ptr("PHANTOM (WOLFCAMP)"),
		Acres:     permit.Ptr(640.0),
	}))
	_, err := h.worker.Enqueue("906213")
	require.NoError(t, err)

	job, err := h.worker.ProcessJob(context.Background(), "906213")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRetryQueued, job.State)
	assert.Equal(t, jobs.StrategyRetryFreshSession, job.Strategy)
	assert.Equal(t, 1, job.AttemptCount)
	assert.InDelta(t, 0.0, job.ConfidenceScore, 0)

	rec, ok, err := h.records.Get(context.Background(), "906213")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, rec.CurrentQueue)
	assert.Nil(t, rec.ParseStatus)
}

func TestProcessJobIsTracedAndEventCarriesTrace(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	h := newHarness(t, Config{Topic: "permit-jobs"}, locationCandidate(), transportErr())
	h.worker.deps.Tracer = tp.Tracer("test")
	for _, key := range []string{"1", "2"} {
		_, err := h.worker.Enqueue(key)
		require.NoError(t, err)
	}

	_, err := h.worker.ProcessJob(context.Background(), "1")
	require.NoError(t, err)
	_, err = h.worker.ProcessJob(context.Background(), "2")
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	ok, failed := spans[0], spans[1]
	assert.Equal(t, "worker.process", ok.Name())
	assert.Contains(t, ok.Attributes(), attribute.String("permit.job_key", "1"))
	assert.Contains(t, ok.Attributes(), attribute.String("permit.strategy", "STANDARD"))
	assert.Contains(t, ok.Attributes(), attribute.String("permit.state", "SUCCESS"))
	assert.Equal(t, codes.Unset, ok.Status().Code)
	assert.Contains(t, failed.Attributes(), attribute.String("permit.state", "RETRY_QUEUED"))
	assert.Equal(t, codes.Error, failed.Status().Code)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ok.SpanContext().TraceID(), msgs[0].SpanContext.TraceID())
	assert.Equal(t, failed.SpanContext().TraceID(), msgs[1].SpanContext.TraceID())
}

func TestProcessBatchRunsSequentiallyWithDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InterJobDelay: 2 * time.Second},
		locationCandidate(), transportErr(), locationCandidate())
	for _, key := range []string{"1", "2", "3", "4"} {
		_, err := h.worker.Enqueue(key)
		require.NoError(t, err)
	}

	result, err := h.worker.ProcessBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Retrying)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.pauses)

	stats := h.worker.Statistics()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByState[jobs.StateSuccess])
	assert.Equal(t, 1, stats.ByState[jobs.StatePending])
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestProcessBatchStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{InterJobDelay: time.Second}, locationCandidate(), locationCandidate())
	for _, key := range []string{"1", "2"} {
		_, err := h.worker.Enqueue(key)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.worker.pause = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	result, err := h.worker.ProcessBatch(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Processed)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}
