package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ModelCandidate is a provider/model pair to try.
type ModelCandidate struct {
	Provider string
	Model    string
}

func (c ModelCandidate) String() string {
	return c.Provider + "/" + c.Model
}

// FallbackAttempt records a failed candidate.
type FallbackAttempt struct {
	Provider string
	Model    string
	Error    string
	Reason   Reason
	Status   int
}

// FallbackResult carries the successful value and the failures before it.
type FallbackResult[T any] struct {
	Result   T
	Provider string
	Model    string
	Attempts []FallbackAttempt
}

// FallbackConfig lists the primary model and its ordered fallbacks.
type FallbackConfig struct {
	PrimaryProvider string
	PrimaryModel    string
	Fallbacks       []string // "provider/model"
}

// RunFunc runs one attempt against a candidate.
type RunFunc[T any] func(ctx context.Context, provider, model string) (T, error)

// OnErrorFunc observes each failed attempt.
type OnErrorFunc func(provider, model string, err error, attempt, total int)

// FailoverError tells the caller that this model cannot serve the request and
// a different model should be tried.
type FailoverError struct {
	Err      error
	Provider string
	Model    string
	Reason   Reason
	Status   int
}

func (e *FailoverError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, " ")
}

func (e *FailoverError) Unwrap() error {
	return e.Err
}

// NewFailoverError creates a FailoverError.
func NewFailoverError(err error, provider, model string, reason Reason) *FailoverError {
	return &FailoverError{Err: err, Provider: provider, Model: model, Reason: reason}
}

// WithStatus records the HTTP status that caused the failover.
func (e *FailoverError) WithStatus(status int) *FailoverError {
	e.Status = status
	return e
}

var (
	// ErrAborted indicates a user-initiated abort; it never fails over.
	ErrAborted = errors.New("operation aborted")

	// ErrAllCandidatesFailed wraps the summary of a fully failed chain.
	ErrAllCandidatesFailed = errors.New("all model candidates failed")

	// ErrNoCandidates means the config named no model at all.
	ErrNoCandidates = errors.New("no model candidates configured")
)

// IsFailoverError reports whether err asks for the next model candidate.
// Only an explicit FailoverError qualifies; other errors have already been
// through the retry and auth-rotation paths and are final.
func IsFailoverError(err error) bool {
	var failoverErr *FailoverError
	if !errors.As(err, &failoverErr) {
		return false
	}
	return failoverErr.Reason != ReasonAbort
}

// IsAbortError reports whether err is a user abort.
func IsAbortError(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err) == ReasonAbort
}

// ParseModelRef parses "provider/model"; a bare model uses defaultProvider.
func ParseModelRef(ref, defaultProvider string) *ModelCandidate {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	provider, model, ok := strings.Cut(ref, "/")
	if !ok {
		return &ModelCandidate{Provider: defaultProvider, Model: ref}
	}
	return &ModelCandidate{Provider: provider, Model: model}
}

// BuildFallbackCandidates returns the primary followed by de-duplicated fallbacks.
func BuildFallbackCandidates(config *FallbackConfig) []ModelCandidate {
	if config == nil {
		return nil
	}
	seen := make(map[string]bool)
	var candidates []ModelCandidate
	add := func(c ModelCandidate) {
		if c.Provider == "" || c.Model == "" || seen[c.String()] {
			return
		}
		seen[c.String()] = true
		candidates = append(candidates, c)
	}
	add(ModelCandidate{Provider: config.PrimaryProvider, Model: config.PrimaryModel})
	for _, ref := range config.Fallbacks {
		if c := ParseModelRef(ref, config.PrimaryProvider); c != nil {
			add(*c)
		}
	}
	return candidates
}

// RunWithModelFallback runs candidates in order until one succeeds. It moves
// to the next candidate only on a FailoverError; any other error is returned
// as is. When every candidate failed over, the error wraps
// ErrAllCandidatesFailed and the last FailoverError.
func RunWithModelFallback[T any](ctx context.Context, config *FallbackConfig, run RunFunc[T], onError OnErrorFunc) (*FallbackResult[T], error) {
	candidates := BuildFallbackCandidates(config)
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	var attempts []FallbackAttempt
	var lastErr error
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, ErrAborted
			}
			return nil, err
		}

		result, err := run(ctx, candidate.Provider, candidate.Model)
		if err == nil {
			return &FallbackResult[T]{
				Result:   result,
				Provider: candidate.Provider,
				Model:    candidate.Model,
				Attempts: attempts,
			}, nil
		}

		attempt := FallbackAttempt{
			Provider: candidate.Provider,
			Model:    candidate.Model,
			Error:    err.Error(),
			Reason:   Classify(err),
		}
		var failoverErr *FailoverError
		if errors.As(err, &failoverErr) {
			attempt.Status = failoverErr.Status
		}
		attempts = append(attempts, attempt)
		if onError != nil {
			onError(candidate.Provider, candidate.Model, err, i+1, len(candidates))
		}
		if !IsFailoverError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, buildAggregatedError(attempts, lastErr)
}

func buildAggregatedError(attempts []FallbackAttempt, last error) error {
	var sb strings.Builder
	for i, a := range attempts {
		fmt.Fprintf(&sb, "\n  %d. %s/%s: [%s] %s", i+1, a.Provider, a.Model, a.Reason, a.Error)
		if a.Status != 0 {
			fmt.Fprintf(&sb, " (status=%d)", a.Status)
		}
	}
	return fmt.Errorf("%w:%s: %w", ErrAllCandidatesFailed, sb.String(), last)
}
