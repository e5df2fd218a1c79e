package domain

import "fmt"

var (
	ErrNotFound     = errString("audit not found")
	ErrUnauthorized = errString("requester is not the audit owner")
	ErrRateLimited  = errString("too many requests")
	ErrConflict     = errString("audit was modified concurrently")
	ErrCacheMiss    = errString("cache miss")
)

type errString string

func (e errString) Error() string { return string(e) }

// ValidationError rejects malformed or unsupported input before any audit is created.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.Input, e.Reason)
}

// OrchestrationError is a failure of the orchestration machinery itself, as
// opposed to an analyzer-level error captured in an outcome.
type OrchestrationError struct {
	Op  string
	Err error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration: %s: %v", e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }
