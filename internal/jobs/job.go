// Package jobs holds the durable parse-job queue that drives permit enrichment.
package jobs

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// Store errors.
var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrInFlight          = errors.New("job is in progress")
	ErrEmptyKey          = errors.New("job key is empty")
)

// DefaultMaxAttempts bounds automated attempts per job.
const DefaultMaxAttempts = 3

// State is the lifecycle position of a job.
type State int

// Job states.
const (
	StatePending State = iota + 1
	StateInProgress
	StateRetryQueued
	StateSuccess
	StateFailed
	StateManualReview
)

var stateNames = map[State]string{
	StatePending:      "PENDING",
	StateInProgress:   "IN_PROGRESS",
	StateRetryQueued:  "RETRY_QUEUED",
	StateSuccess:      "SUCCESS",
	StateFailed:       "FAILED",
	StateManualReview: "MANUAL_REVIEW",
}

// States lists every state in lifecycle order.
var States = []State{StatePending, StateInProgress, StateRetryQueued, StateSuccess, StateFailed, StateManualReview}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no automated work remains for the state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateManualReview
}

// MarshalText encodes the canonical name.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a canonical name.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState resolves a canonical state name.
func ParseState(name string) (State, error) {
	for st, n := range stateNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Strategy is the extraction approach used for the next attempt.
type Strategy int

// Strategies in escalation order. StrategyManualExtraction is terminal.
const (
	StrategyStandard Strategy = iota + 1
	StrategyRetryFreshSession
	StrategyAlternativePDF
	StrategyManualExtraction
)

var strategyNames = map[Strategy]string{
	StrategyStandard:          "STANDARD",
	StrategyRetryFreshSession: "RETRY_FRESH_SESSION",
	StrategyAlternativePDF:    "ALTERNATIVE_PDF",
	StrategyManualExtraction:  "MANUAL_EXTRACTION",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// Escalate returns the next strategy. It never cycles back.
func (s Strategy) Escalate() Strategy {
	switch s {
	case StrategyStandard:
		return StrategyRetryFreshSession
	case StrategyRetryFreshSession:
		return StrategyAlternativePDF
	default:
		return StrategyManualExtraction
	}
}

// Automated reports whether a worker can run the strategy.
func (s Strategy) Automated() bool {
	return s == StrategyStandard || s == StrategyRetryFreshSession || s == StrategyAlternativePDF
}

// MarshalText encodes the canonical name.
func (s Strategy) MarshalText() ([]byte, error) {
	name, ok := strategyNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a canonical name.
func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy resolves a canonical strategy name.
func ParseStrategy(name string) (Strategy, error) {
	for st, n := range strategyNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

// ParseJob tracks enrichment of one filing.
type ParseJob struct {
	JobKey          string            `json:"job_key"`
	StatusNo        string            `json:"status_no"`
	AttemptCount    int               `json:"attempt_count"`
	MaxAttempts     int               `json:"max_attempts"`
	State           State             `json:"state"`
	Strategy        Strategy          `json:"strategy"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAttempt     *time.Time        `json:"last_attempt,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	ConfidenceScore float64           `json:"confidence_score"`
	ParsedFields    map[string]string `json:"parsed_fields"`
}

// Eligible reports whether the job may be dispatched.
func (j ParseJob) Eligible() bool {
	return (j.State == StatePending || j.State == StateRetryQueued) && j.AttemptCount < j.MaxAttempts
}

func (j ParseJob) clone() ParseJob {
	out := j
	if j.LastAttempt != nil {
		t := *j.LastAttempt
		out.LastAttempt = &t
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		out.ErrorMessage = &msg
	}
	if j.ParsedFields != nil {
		out.ParsedFields = maps.Clone(j.ParsedFields)
	}
	return out
}

// Outcome is what one attempt produced. A nil Err means the candidate was accepted.
type Outcome struct {
	Confidence float64
	Fields     map[string]string
	Err        error
	// Permanent marks failures no strategy can fix; the job moves to FAILED.
	Permanent bool
}

// Apply returns the job after recording outcome. Only IN_PROGRESS jobs accept results.
func (j ParseJob) Apply(outcome Outcome) (ParseJob, error) {
	if j.State != StateInProgress {
		return j, fmt.Errorf("%w: record result for %s job %s", ErrInvalidTransition, j.State, j.JobKey)
	}
	next := j.clone()
	next.ConfidenceScore = outcome.Confidence
	if outcome.Fields != nil {
		next.ParsedFields = maps.Clone(outcome.Fields)
	}

	if outcome.Err == nil {
		next.State = StateSuccess
		next.ErrorMessage = nil
		return next, nil
	}

	msg := outcome.Err.Error()
	next.ErrorMessage = &msg
	next.AttemptCount++
	if outcome.Permanent {
		next.State = StateFailed
		return next, nil
	}
	next.Strategy = next.Strategy.Escalate()
	if next.AttemptCount < next.MaxAttempts && next.Strategy.Automated() {
		next.State = StateRetryQueued
	} else {
		next.State = StateManualReview
	}
	return next, nil
}
