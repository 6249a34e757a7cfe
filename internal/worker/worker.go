// Package worker drives parse jobs through the extraction strategies.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/clock/system"
	"github.com/JakeFAU/permit-crawler/internal/confidence"
	"github.com/JakeFAU/permit-crawler/internal/dispatcher"
	"github.com/JakeFAU/permit-crawler/internal/jobs"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/permit"
	"github.com/JakeFAU/permit-crawler/internal/telemetry"
)

// ErrNoDetailURL marks a job whose permit has no resolvable detail page.
var ErrNoDetailURL = errors.New("no detail url for permit")

// Dispatcher runs the strategy named by a job's tag.
type Dispatcher interface {
	Dispatch(ctx context.Context, tag jobs.Strategy, target dispatcher.Target) (dispatcher.Candidate, error)
}

// Config controls Worker behavior.
type Config struct {
	// InterJobDelay is the pause between consecutive jobs of a batch.
	InterJobDelay time.Duration
	// MinConfidence is the score a candidate must exceed to be accepted.
	MinConfidence float64
	// DetailURLTemplate builds a detail URL from a status number when the
	// stored record has none, e.g. "https://example.test/permits/%s".
	DetailURLTemplate string
	BlobPrefix        string
	Topic             string
}

// Deps are the collaborators a Worker needs. Blobs, Publisher, IDs and Tracer
// are optional.
type Deps struct {
	Jobs       *jobs.Store
	Dispatcher Dispatcher
	Records    permit.RecordStore
	Scorer     confidence.Scorer
	Blobs      permit.BlobStore
	Publisher  permit.Publisher
	Hasher     permit.Hasher
	IDs        permit.IDGenerator
	Clock      permit.Clock
	Tracer     trace.Tracer
}

// JobEvent is published after every attempt.
type JobEvent struct {
	EventID      string    `json:"event_id"`
	JobKey       string    `json:"job_key"`
	StatusNo     string    `json:"status_no"`
	State        string    `json:"state"`
	Strategy     string    `json:"strategy"`
	Attempted    string    `json:"attempted_strategy"`
	AttemptCount int       `json:"attempt_count"`
	Confidence   float64   `json:"confidence_score"`
	Error        string    `json:"error,omitempty"`
	Artifacts    []string  `json:"artifacts,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Attributes exposes the state and permit as Pub/Sub attributes.
func (e JobEvent) Attributes() map[string]string {
	return map[string]string{"state": e.State, "status_no": e.StatusNo}
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Processed int
	Succeeded int
	Retrying  int
	Review    int
	Failed    int
	Jobs      []jobs.ParseJob
}

// Worker processes parse jobs one at a time.
type Worker struct {
	mu     sync.Mutex
	deps   Deps
	cfg    Config
	pause  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deps.Records == nil {
		return nil, errors.New("record store is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		pause:  sleep,
		logger: logger,
	}, nil
}

// Enqueue schedules a fresh parse job for statusNo with the STANDARD strategy.
func (w *Worker) Enqueue(statusNo string) (jobs.ParseJob, error) {
	job, err := w.deps.Jobs.Enqueue(statusNo, jobs.StrategyStandard)
	if err != nil {
		return jobs.ParseJob{}, fmt.Errorf("enqueue: %w", err)
	}
	metrics.ObserveJobResult(job.State.String(), job.Strategy.String(), 0)
	w.logger.Info("job enqueued", zap.String("job_key", job.JobKey))
	return job, nil
}

// EnqueueNew schedules a STANDARD job for statusNo unless one already exists.
// Jobs waiting for review or already finished stay as they are.
func (w *Worker) EnqueueNew(statusNo string) (jobs.ParseJob, bool, error) {
	job, created, err := w.deps.Jobs.EnqueueNew(statusNo, jobs.StrategyStandard)
	if err != nil {
		return jobs.ParseJob{}, false, fmt.Errorf("enqueue: %w", err)
	}
	if created {
		metrics.ObserveJobResult(job.State.String(), job.Strategy.String(), 0)
		w.logger.Info("job enqueued", zap.String("job_key", job.JobKey))
	}
	return job, created, nil
}

// ProcessBatch runs up to limit eligible jobs sequentially, oldest first,
// pausing InterJobDelay between them. Only one batch runs at a time.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var result BatchResult
	for i, job := range w.deps.Jobs.NextEligible(limit) {
		if i > 0 {
			if err := w.pause(ctx, w.cfg.InterJobDelay); err != nil {
				return result, err
			}
		}
		updated, err := w.process(ctx, job.JobKey)
		if err != nil {
			if ctx.Err() != nil {
				return result, fmt.Errorf("process batch: %w", ctx.Err())
			}
			w.logger.Error("job processing failed", zap.String("job_key", job.JobKey), zap.Error(err))
			continue
		}
		result.add(updated)
	}
	w.logger.Info("batch processed",
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("retrying", result.Retrying),
		zap.Int("manual_review", result.Review),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (r *BatchResult) add(job jobs.ParseJob) {
	r.Processed++
	r.Jobs = append(r.Jobs, job)
	switch job.State {
	case jobs.StateSuccess:
		r.Succeeded++
	case jobs.StateRetryQueued:
		r.Retrying++
	case jobs.StateManualReview:
		r.Review++
	case jobs.StateFailed:
		r.Failed++
	}
}

// ProcessJob runs a single attempt for the job with key.
func (w *Worker) ProcessJob(ctx context.Context, key string) (jobs.ParseJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.process(ctx, key)
}

func (w *Worker) process(ctx context.Context, key string) (job jobs.ParseJob, err error) {
	ctx, span := w.deps.Tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("permit.job_key", key),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("permit.state", job.State.String()),
				attribute.String("permit.next_strategy", job.Strategy.String()),
				attribute.Int("permit.attempt_count", job.AttemptCount),
				attribute.Float64("permit.confidence", job.ConfidenceScore),
			)
			if job.ErrorMessage != nil {
				span.SetStatus(codes.Error, *job.ErrorMessage)
			}
		}
		span.End()
	}()
	logger := w.logger.With(zap.String("job_key", key))

	current, err := w.deps.Jobs.Get(key)
	if err != nil {
		return jobs.ParseJob{}, err
	}
	stored, _, err := w.deps.Records.Get(ctx, current.StatusNo)
	if err != nil {
		return jobs.ParseJob{}, fmt.Errorf("load record %s: %w", current.StatusNo, err)
	}

	started, err := w.deps.Jobs.Begin(key)
	if err != nil {
		return jobs.ParseJob{}, err
	}
	attempted := started.Strategy
	span.SetAttributes(attribute.String("permit.strategy", attempted.String()))
	begin := w.deps.Clock.Now()

	outcome, merged, archived := w.attempt(ctx, started, stored, logger)
	if outcome.Err == nil {
		if err := w.deps.Records.Upsert(ctx, merged); err != nil {
			outcome = jobs.Outcome{Err: fmt.Errorf("store record: %w", err)}
		}
	}

	updated, err := w.deps.Jobs.RecordResult(key, outcome)
	if err != nil {
		return jobs.ParseJob{}, err
	}
	elapsed := w.deps.Clock.Now().Sub(begin)
	metrics.ObserveJobResult(updated.State.String(), attempted.String(), elapsed)

	switch updated.State {
	case jobs.StateSuccess:
		metrics.ObserveConfidence(updated.ConfidenceScore)
		logger.Info("job succeeded",
			zap.String("strategy", attempted.String()),
			zap.Float64("confidence", updated.ConfidenceScore),
		)
	case jobs.StateManualReview, jobs.StateFailed:
		w.markRecord(ctx, stored, updated, logger)
		logger.Warn("job needs attention",
			zap.String("state", updated.State.String()),
			zap.Int("attempts", updated.AttemptCount),
			zap.Error(outcome.Err),
		)
	default:
		logger.Info("job queued for retry",
			zap.String("next_strategy", updated.Strategy.String()),
			zap.Int("attempts", updated.AttemptCount),
			zap.Error(outcome.Err),
		)
	}

	w.publish(ctx, updated, attempted, archived, logger)
	return updated, nil
}

// attempt dispatches the job and scores the candidate on its own. An accepted
// candidate is merged onto the stored record for the upsert; the strings are
// archive URIs.
func (w *Worker) attempt(
	ctx context.Context,
	job jobs.ParseJob,
	stored permit.Record,
	logger *zap.Logger,
) (jobs.Outcome, permit.Record, []string) {
	detail := w.detailURL(stored, job.StatusNo)
	if detail == "" {
		return jobs.Outcome{Err: fmt.Errorf("%w %s", ErrNoDetailURL, job.StatusNo), Permanent: true}, stored, nil
	}

	cand, err := w.deps.Dispatcher.Dispatch(ctx, job.Strategy, dispatcher.Target{
		StatusNo:  job.StatusNo,
		DetailURL: detail,
	})
	if err != nil {
		return jobs.Outcome{Err: err}, stored, nil
	}
	archived := w.archive(ctx, job.StatusNo, cand.Artifacts, logger)

	score := w.deps.Scorer.Score(cand.Record)
	fields := cand.Record.Fields()
	logger.Debug("candidate scored",
		zap.Float64("score", score),
		zap.Float64("baseline", cand.Baseline),
		zap.Int("fields", len(fields)),
	)
	if score <= w.cfg.MinConfidence {
		return jobs.Outcome{
			Confidence: score,
			Fields:     fields,
			Err:        fmt.Errorf("confidence %.2f does not exceed %.2f", score, w.cfg.MinConfidence),
		}, stored, archived
	}

	merged := stored.Merge(cand.Record)
	merged.StatusNo = permit.Ptr(job.StatusNo)
	merged.DetailURL = permit.Ptr(detail)
	if cand.PDFURL != "" {
		merged.PDFURL = permit.Ptr(cand.PDFURL)
	}
	if cand.Snippet != "" {
		merged.TextSnippet = permit.Ptr(cand.Snippet)
	}
	merged.ParseStatus = permit.Ptr(permit.ParseStatusSuccess)
	merged.Confidence = permit.Ptr(score)
	merged.LastEnrichedAt = permit.Ptr(w.deps.Clock.Now().UTC())
	return jobs.Outcome{Confidence: score, Fields: fields}, merged, archived
}

func (w *Worker) detailURL(rec permit.Record, statusNo string) string {
	if rec.DetailURL != nil && strings.TrimSpace(*rec.DetailURL) != "" {
		return *rec.DetailURL
	}
	if strings.Contains(w.cfg.DetailURLTemplate, "%s") {
		return fmt.Sprintf(w.cfg.DetailURLTemplate, statusNo)
	}
	return ""
}

// markRecord flags the stored record once a job leaves the automated path.
func (w *Worker) markRecord(ctx context.Context, stored permit.Record, job jobs.ParseJob, logger *zap.Logger) {
	status := permit.ParseStatusManualReview
	if job.State == jobs.StateFailed {
		status = permit.ParseStatusFailed
	}
	rec := stored
	rec.StatusNo = permit.Ptr(job.StatusNo)
	rec.ParseStatus = permit.Ptr(status)
	if err := w.deps.Records.Upsert(ctx, rec); err != nil {
		logger.Error("mark record failed", zap.String("parse_status", status), zap.Error(err))
	}
}

func (w *Worker) archive(ctx context.Context, statusNo string, artifacts []dispatcher.Artifact, logger *zap.Logger) []string {
	if w.deps.Blobs == nil || w.deps.Hasher == nil {
		return nil
	}
	var uris []string
	for _, a := range artifacts {
		if len(a.Body) == 0 {
			continue
		}
		hash, err := w.deps.Hasher.Hash(a.Body)
		if err != nil {
			logger.Warn("hash artifact failed", zap.String("url", a.URL), zap.Error(err))
			continue
		}
		blobPath := w.blobPath(statusNo, hash, a.ContentType)
		uri, err := w.deps.Blobs.PutObject(ctx, blobPath, permit.ObjectMeta{
			ContentType: a.ContentType,
			StatusNo:    statusNo,
			Kind:        a.Kind,
			SourceURL:   a.URL,
			SHA256:      hash,
		}, bytes.NewReader(a.Body))
		if err != nil {
			logger.Warn("archive artifact failed", zap.String("url", a.URL), zap.Error(err))
			continue
		}
		logger.Debug("artifact archived", zap.String("kind", a.Kind), zap.String("uri", uri))
		uris = append(uris, uri)
	}
	return uris
}

func (w *Worker) blobPath(statusNo, hash, contentType string) string {
	ext := "bin"
	switch {
	case strings.Contains(contentType, "pdf"):
		ext = "pdf"
	case strings.Contains(contentType, "html"):
		ext = "html"
	}
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	return path.Join(prefix, statusNo, hash+"."+ext)
}

func (w *Worker) publish(
	ctx context.Context,
	job jobs.ParseJob,
	attempted jobs.Strategy,
	archived []string,
	logger *zap.Logger,
) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	event := JobEvent{
		JobKey:       job.JobKey,
		StatusNo:     job.StatusNo,
		State:        job.State.String(),
		Strategy:     job.Strategy.String(),
		Attempted:    attempted.String(),
		AttemptCount: job.AttemptCount,
		Confidence:   job.ConfidenceScore,
		Artifacts:    archived,
		Timestamp:    w.deps.Clock.Now().UTC(),
	}
	if job.ErrorMessage != nil {
		event.Error = *job.ErrorMessage
	}
	if w.deps.IDs != nil {
		id, err := w.deps.IDs.NewID()
		if err != nil {
			logger.Warn("generate event id failed", zap.Error(err))
		}
		event.EventID = id
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish job event failed", zap.Error(err))
	}
}

// Statistics reports counts per state, success rate and mean confidence.
func (w *Worker) Statistics() jobs.Stats {
	return w.deps.Jobs.Stats()
}

// ManualReviewJobs lists up to limit jobs waiting for a human, oldest first.
func (w *Worker) ManualReviewJobs(limit int) []jobs.ParseJob {
	return w.deps.Jobs.ListByState(jobs.StateManualReview, limit)
}

// ManualRetry puts a FAILED or MANUAL_REVIEW job back on the automated path.
func (w *Worker) ManualRetry(key string) (jobs.ParseJob, error) {
	job, err := w.deps.Jobs.ManualRetry(key)
	if err != nil {
		return jobs.ParseJob{}, fmt.Errorf("manual retry: %w", err)
	}
	metrics.ObserveJobResult(job.State.String(), job.Strategy.String(), 0)
	w.logger.Info("job requeued by operator", zap.String("job_key", key))
	return job, nil
}

// Purge removes terminal jobs created more than age ago.
func (w *Worker) Purge(age time.Duration) (int, error) {
	n, err := w.deps.Jobs.PurgeOlderThan(age)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	w.logger.Info("jobs purged", zap.Int("removed", n), zap.Duration("older_than", age))
	return n, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
