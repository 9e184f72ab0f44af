// Package agents implements the two generative agents: the Scenario Planner,
// which drafts scenarios for a headline, and the Narrative Composer, which
// writes the final story of a universe from its resolved scenarios.
//
// Both run the same bounded loop: call the generative backend, validate the
// reply locally, and on failure try again with every earlier failure reason
// appended to the prompt. When the budget is spent the caller gets an
// *ExhaustedError carrying the full per-attempt trail.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/outcomefi/outcome/internal/telemetry"
)

// DefaultMaxAttempts is the attempt budget of each agent invocation.
const DefaultMaxAttempts = 3

// ErrExhaustedRetries is matched by every *ExhaustedError.
var ErrExhaustedRetries = errors.New("agents: retries exhausted")

// ExhaustedError reports an agent that failed on every attempt.
type ExhaustedError struct {
	Agent    string
	Attempts int
	Errors   []string // One entry per failed attempt, "attempt N: reason".
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("agents: %s failed after %d attempts. Last errors: %s",
		e.Agent, e.Attempts, strings.Join(e.Errors, " | "))
}

func (e *ExhaustedError) Unwrap() error { return ErrExhaustedRetries }

// Trail is the attempt history of one invocation, successful or not.
type Trail struct {
	Attempts int
	Errors   []string
}

// attemptFunc runs one attempt. feedback holds the failure reasons of all
// earlier attempts, oldest first.
type attemptFunc func(ctx context.Context, attempt int, feedback []string) error

type loop struct {
	agent       string
	maxAttempts int
	logger      *slog.Logger
	attempts    metric.Int64Counter
}

func newLoop(agent string, maxAttempts int, logger *slog.Logger) loop {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := telemetry.Meter("outcome/agents").Int64Counter("outcome.agent.attempts",
		metric.WithDescription("Generative agent attempts by agent and outcome"),
	)
	return loop{agent: agent, maxAttempts: maxAttempts, logger: logger, attempts: counter}
}

// run executes fn until it succeeds, the budget is spent, or ctx is done.
func (l loop) run(ctx context.Context, fn attemptFunc) (Trail, error) {
	var trail Trail
	var feedback []string
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return trail, fmt.Errorf("agents: %s: %w", l.agent, err)
		}
		trail.Attempts = attempt
		err := fn(ctx, attempt, feedback)
		if err == nil {
			l.count(ctx, "ok")
			return trail, nil
		}
		if ctx.Err() != nil {
			return trail, fmt.Errorf("agents: %s: %w", l.agent, ctx.Err())
		}
		l.count(ctx, "rejected")
		reason := err.Error()
		feedback = append(feedback, reason)
		trail.Errors = append(trail.Errors, fmt.Sprintf("attempt %d: %s", attempt, reason))
		l.logger.Warn("agents: attempt failed", "agent", l.agent, "attempt", attempt, "error", reason)
	}
	return trail, &ExhaustedError{Agent: l.agent, Attempts: trail.Attempts, Errors: trail.Errors}
}

func (l loop) count(ctx context.Context, outcome string) {
	if l.attempts == nil {
		return
	}
	l.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", l.agent),
		attribute.String("outcome", outcome),
	))
}

// retryContext renders earlier failures for the next prompt.
func retryContext(feedback []string) string {
	if len(feedback) == 0 {
		return ""
	}
	return "Retry context: previous attempts failed validation -> " + strings.Join(feedback, " | ")
}

