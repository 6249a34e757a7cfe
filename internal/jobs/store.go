package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/clock/system"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Options configures a Store.
type Options struct {
	Path        string
	MaxAttempts int
	Clock       Clock
	Logger      *zap.Logger
}

// Store is a JSON-lines backed job queue. Every mutation is written to disk
// before it becomes visible; a single mutex serializes all access.
type Store struct {
	mu          sync.Mutex
	path        string
	maxAttempts int
	clock       Clock
	logger      *zap.Logger
	jobs        map[string]ParseJob
}

// Stats summarizes the queue.
type Stats struct {
	Total          int           `json:"total"`
	ByState        map[State]int `json:"by_state"`
	SuccessRate    float64       `json:"success_rate"`
	MeanConfidence float64       `json:"mean_confidence"`
}

// Open loads the job file at opts.Path. A missing file yields an empty store;
// an unreadable or corrupt file is logged, moved aside, and the store starts empty.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("jobs: path is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	s := &Store{
		path:        opts.Path,
		maxAttempts: opts.MaxAttempts,
		clock:       opts.Clock,
		logger:      opts.Logger,
		jobs:        make(map[string]ParseJob),
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Error("job file unreadable, starting empty", zap.String("path", s.path), zap.Error(err))
		return
	}
	defer f.Close()

	loaded, err := Decode(f)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.clock.Now().Unix())
		s.logger.Error("job file corrupt, starting empty",
			zap.String("path", s.path),
			zap.String("moved_to", aside),
			zap.Error(err),
		)
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.logger.Warn("move corrupt job file failed", zap.Error(renameErr))
		}
		return
	}
	for _, job := range loaded {
		s.jobs[job.JobKey] = job
	}
	s.logger.Info("job store loaded", zap.String("path", s.path), zap.Int("jobs", len(s.jobs)))
}

// mutate applies fn to a copy of the job set, flushes it, and only then makes it current.
func (s *Store) mutate(fn func(jobs map[string]ParseJob) error) error {
	next := make(map[string]ParseJob, len(s.jobs))
	for k, v := range s.jobs {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	if err := s.flush(next); err != nil {
		return err
	}
	s.jobs = next
	return nil
}

func (s *Store) flush(jobs map[string]ParseJob) error {
	var buf bytes.Buffer
	if err := Encode(&buf, sorted(jobs)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp job file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close job file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace job file: %w", err)
	}
	return nil
}

func sorted(jobs map[string]ParseJob) []ParseJob {
	out := make([]ParseJob, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].JobKey < out[k].JobKey
	})
	return out
}

// Enqueue creates or replaces the job for key in PENDING state.
func (s *Store) Enqueue(key string, strategy Strategy) (ParseJob, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return ParseJob{}, ErrEmptyKey
	}
	if !strategy.Automated() {
		return ParseJob{}, fmt.Errorf("enqueue %s: strategy %s is not automated", key, strategy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var created ParseJob
	err := s.mutate(func(jobs map[string]ParseJob) error {
		if existing, ok := jobs[key]; ok && existing.State == StateInProgress {
			return fmt.Errorf("enqueue %s: %w", key, ErrInFlight)
		}
		created = ParseJob{
			JobKey:      key,
			StatusNo:    key,
			MaxAttempts: s.maxAttempts,
			State:       StatePending,
			Strategy:    strategy,
			CreatedAt:   s.clock.Now().UTC(),
		}
		jobs[key] = created
		return nil
	})
	if err != nil {
		return ParseJob{}, err
	}
	return created.clone(), nil
}

// EnqueueNew creates a PENDING job for key only when none exists. An existing
// job is returned untouched with created false, whatever its state.
func (s *Store) EnqueueNew(key string, strategy Strategy) (job ParseJob, created bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return ParseJob{}, false, ErrEmptyKey
	}
	if !strategy.Automated() {
		return ParseJob{}, false, fmt.Errorf("enqueue %s: strategy %s is not automated", key, strategy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[key]; ok {
		return existing.clone(), false, nil
	}
	err = s.mutate(func(jobs map[string]ParseJob) error {
		job = ParseJob{
			JobKey:      key,
			StatusNo:    key,
			MaxAttempts: s.maxAttempts,
			State:       StatePending,
			Strategy:    strategy,
			CreatedAt:   s.clock.Now().UTC(),
		}
		jobs[key] = job
		return nil
	})
	if err != nil {
		return ParseJob{}, false, err
	}
	return job.clone(), true, nil
}

// NextEligible returns up to limit dispatchable jobs, oldest first. A
// non-positive limit returns all of them.
func (s *Store) NextEligible(limit int) []ParseJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ParseJob
	for _, job := range sorted(s.jobs) {
		if !job.Eligible() {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Begin marks an eligible job IN_PROGRESS and returns its snapshot.
func (s *Store) Begin(key string) (ParseJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var started ParseJob
	err := s.mutate(func(jobs map[string]ParseJob) error {
		job, ok := jobs[key]
		if !ok {
			return fmt.Errorf("begin %s: %w", key, ErrNotFound)
		}
		if !job.Eligible() {
			return fmt.Errorf("%w: begin %s job %s", ErrInvalidTransition, job.State, key)
		}
		now := s.clock.Now().UTC()
		job = job.clone()
		job.State = StateInProgress
		job.LastAttempt = &now
		jobs[key] = job
		started = job
		return nil
	})
	if err != nil {
		return ParseJob{}, err
	}
	return started.clone(), nil
}

// RecordResult applies an attempt outcome to an IN_PROGRESS job.
func (s *Store) RecordResult(key string, outcome Outcome) (ParseJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated ParseJob
	err := s.mutate(func(jobs map[string]ParseJob) error {
		job, ok := jobs[key]
		if !ok {
			return fmt.Errorf("record result %s: %w", key, ErrNotFound)
		}
		next, err := job.Apply(outcome)
		if err != nil {
			return err
		}
		jobs[key] = next
		updated = next
		return nil
	})
	if err != nil {
		return ParseJob{}, err
	}
	return updated.clone(), nil
}

// ManualRetry re-queues a FAILED or MANUAL_REVIEW job from scratch.
func (s *Store) ManualRetry(key string) (ParseJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated ParseJob
	err := s.mutate(func(jobs map[string]ParseJob) error {
		job, ok := jobs[key]
		if !ok {
			return fmt.Errorf("manual retry %s: %w", key, ErrNotFound)
		}
		if job.State != StateFailed && job.State != StateManualReview {
			return fmt.Errorf("%w: manual retry of %s job %s", ErrInvalidTransition, job.State, key)
		}
		job = job.clone()
		job.AttemptCount = 0
		job.Strategy = StrategyStandard
		job.ErrorMessage = nil
		job.State = StateRetryQueued
		jobs[key] = job
		updated = job
		return nil
	})
	if err != nil {
		return ParseJob{}, err
	}
	return updated.clone(), nil
}

// PurgeOlderThan removes terminal jobs created before now minus age.
func (s *Store) PurgeOlderThan(age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-age)
	removed := 0
	for _, job := range s.jobs {
		if job.State.Terminal() && job.CreatedAt.Before(cutoff) {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	err := s.mutate(func(jobs map[string]ParseJob) error {
		for key, job := range jobs {
			if job.State.Terminal() && job.CreatedAt.Before(cutoff) {
				delete(jobs, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// RecoverInFlight re-queues jobs left IN_PROGRESS by an interrupted process.
// The interrupted attempt is not counted.
func (s *Store) RecoverInFlight() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	err := s.mutate(func(jobs map[string]ParseJob) error {
		for key, job := range jobs {
			if job.State != StateInProgress {
				continue
			}
			job = job.clone()
			job.State = StateRetryQueued
			jobs[key] = job
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		s.logger.Warn("re-queued interrupted jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Get returns a snapshot of one job.
func (s *Store) Get(key string) (ParseJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return ParseJob{}, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return job.clone(), nil
}

// List returns every job, oldest first.
func (s *Store) List() []ParseJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sorted(s.jobs)
}

// ListByState returns up to limit jobs in state, oldest first.
func (s *Store) ListByState(state State, limit int) []ParseJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ParseJob
	for _, job := range sorted(s.jobs) {
		if job.State != state {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Stats counts jobs by state. Success rate is over all jobs; mean confidence
// is over successful jobs.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Total: len(s.jobs), ByState: make(map[State]int, len(States))}
	for _, st := range States {
		stats.ByState[st] = 0
	}
	var confidenceSum float64
	for _, job := range s.jobs {
		stats.ByState[job.State]++
		if job.State == StateSuccess {
			confidenceSum += job.ConfidenceScore
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByState[StateSuccess]) / float64(stats.Total)
	}
	if n := stats.ByState[StateSuccess]; n > 0 {
		stats.MeanConfidence = confidenceSum / float64(n)
	}
	return stats
}
