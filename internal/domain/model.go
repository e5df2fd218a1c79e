package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// Core domain models. The HTTP adapter serializes these directly; field names
// follow the public JSON shape.

type Status string

const (
	StatusPending             Status = "PENDING"
	StatusRunning             Status = "RUNNING"
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// CanTransition enforces PENDING -> RUNNING -> terminal, plus the direct
// non-terminal -> FAILED edge used by cancellation and orchestration failures.
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() {
		return false
	}
	switch to {
	case StatusRunning:
		return s == StatusPending
	case StatusCompleted, StatusCompletedWithErrors:
		return s == StatusRunning
	case StatusFailed:
		return true
	}
	return false
}

// Audit is the unit of work and its outcome.
type Audit struct {
	ID              string                     `json:"id"`
	URL             string                     `json:"url"`
	Domain          string                     `json:"domain"`
	Owner           string                     `json:"owner,omitempty"`
	Status          Status                     `json:"status"`
	Progress        int                        `json:"progress"`
	CurrentStep     string                     `json:"currentStep,omitempty"`
	CategoryResults map[string]AnalyzerOutcome `json:"categoryResults"`
	Error           string                     `json:"error,omitempty"`
	CreatedAt       time.Time                  `json:"createdAt"`
	UpdatedAt       time.Time                  `json:"updatedAt"`
	CompletedAt     *time.Time                 `json:"completedAt,omitempty"`
	// Version is bumped by the store on every successful update.
	Version int64 `json:"version"`
}

// Clone returns a deep copy so callers never share the results map.
func (a *Audit) Clone() *Audit {
	if a == nil {
		return nil
	}
	out := *a
	if a.CategoryResults != nil {
		out.CategoryResults = make(map[string]AnalyzerOutcome, len(a.CategoryResults))
		for k, v := range a.CategoryResults {
			out.CategoryResults[k] = v
		}
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// OverallScore is the mean of all successful category scores.
func (a *Audit) OverallScore() (int, bool) {
	sum, n := 0, 0
	for _, o := range a.CategoryResults {
		if o.Succeeded() {
			sum += *o.Score
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return (sum + n/2) / n, true
}

// FailedCategories returns the sorted names of categories that carry an error.
func (a *Audit) FailedCategories() []string {
	var out []string
	for name, o := range a.CategoryResults {
		if !o.Succeeded() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// AnalyzerOutcome is the result of one analyzer for one audit. Exactly one of
// (Score+Report) or Error is populated.
type AnalyzerOutcome struct {
	Score      *int            `json:"score"`
	Report     json.RawMessage `json:"report"`
	Error      *string         `json:"error"`
	DurationMS int64           `json:"durationMs"`
}

func (o AnalyzerOutcome) Succeeded() bool { return o.Error == nil && o.Score != nil }

// Success builds a successful outcome. A report that cannot be encoded turns
// the outcome into a failure.
func Success(score int, report any) AnalyzerOutcome {
	raw, err := json.Marshal(report)
	if err != nil {
		return Failure("encode report: " + err.Error())
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return AnalyzerOutcome{Score: &score, Report: raw}
}

func Failure(msg string) AnalyzerOutcome {
	if msg == "" {
		msg = "analyzer failed"
	}
	return AnalyzerOutcome{Error: &msg}
}

// Classify derives the terminal status from per-category outcomes.
func Classify(results map[string]AnalyzerOutcome) Status {
	ok, failed := 0, 0
	for _, o := range results {
		if o.Succeeded() {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case ok == 0:
		return StatusFailed
	case failed == 0:
		return StatusCompleted
	default:
		return StatusCompletedWithErrors
	}
}

// ProgressEvent is an ephemeral notification superseded by the next event for
// the same audit id.
type ProgressEvent struct {
	AuditID     string    `json:"auditId"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep string    `json:"currentStep,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// EventFor projects the audit's current state as a progress event.
func EventFor(a *Audit) ProgressEvent {
	ev := ProgressEvent{
		AuditID:     a.ID,
		Status:      a.Status,
		Progress:    a.Progress,
		CurrentStep: a.CurrentStep,
		At:          a.UpdatedAt,
	}
	if a.Status == StatusFailed {
		ev.Error = a.Error
		if ev.Error == "" {
			ev.Error = ErrAllAnalyzersFailed
		}
	}
	return ev
}

// Step labels published while an audit is in flight.
const (
	StepInitializing = "Initializing"
	StepRunning      = "Running analyzers"
	StepFinalizing   = "Finalizing"
)

const (
	ErrAllAnalyzersFailed = "All analyzers failed"
	ErrCancelledByUser    = "Cancelled by user"
	ErrInterrupted        = "Interrupted before completion"
	ErrShuttingDown       = "Service is shutting down"
)
