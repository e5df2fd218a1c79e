// Package analyzers holds the audit checks. Each Analyzer turns a URL into an
// AnalyzerOutcome and never lets an error or panic escape its boundary.
package analyzers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auditbuddy/internal/domain"
)

// DefaultTimeout applies to analyzers without a configured timeout.
const DefaultTimeout = 30 * time.Second

type Analyzer interface {
	Name() string
	Timeout() time.Duration
	Analyze(ctx context.Context, url string) domain.AnalyzerOutcome
}

// Func adapts a plain function to Analyzer.
func Func(name string, timeout time.Duration, fn func(ctx context.Context, url string) domain.AnalyzerOutcome) Analyzer {
	return funcAnalyzer{base: base{name: name, timeout: timeout}, fn: fn}
}

type funcAnalyzer struct {
	base
	fn func(ctx context.Context, url string) domain.AnalyzerOutcome
}

func (f funcAnalyzer) Analyze(ctx context.Context, url string) domain.AnalyzerOutcome {
	return f.fn(ctx, url)
}

type base struct {
	name    string
	timeout time.Duration
}

func (b base) Name() string { return b.name }

func (b base) Timeout() time.Duration {
	if b.timeout <= 0 {
		return DefaultTimeout
	}
	return b.timeout
}

// outcome converts an analyzer's internal result into the boundary type.
func outcome(score int, report any, err error) domain.AnalyzerOutcome {
	if err != nil {
		return domain.Failure(err.Error())
	}
	return domain.Success(score, report)
}

// Run invokes a with its own hard deadline. A timeout, a cancelled context or
// a panic all become error outcomes; the caller always gets a result.
func Run(ctx context.Context, a Analyzer, url string) domain.AnalyzerOutcome {
	start := time.Now()
	timeout := a.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan domain.AnalyzerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.Failure(fmt.Sprintf("analyzer panicked: %v", r))
			}
		}()
		done <- a.Analyze(ctx, url)
	}()

	var out domain.AnalyzerOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			out = domain.Failure(fmt.Sprintf("timed out after %s", timeout))
		} else {
			out = domain.Failure("cancelled")
		}
	}
	if out.Error == nil && out.Score == nil {
		out = domain.Failure("analyzer returned no result")
	}
	out.DurationMS = time.Since(start).Milliseconds()
	return out
}
