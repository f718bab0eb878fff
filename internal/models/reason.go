// Package models holds model-level failover: the error that signals a
// caller to try another model, and the runner that walks a fallback chain.
package models

import (
	"context"
	"errors"
	"strings"
)

// Reason categorizes why a model request failed.
type Reason string

const (
	ReasonAuth         Reason = "auth"
	ReasonBilling      Reason = "billing"
	ReasonRateLimit    Reason = "rate_limit"
	ReasonTimeout      Reason = "timeout"
	ReasonServerError  Reason = "server_error"
	ReasonUnavailable  Reason = "model_unavailable"
	ReasonInvalid      Reason = "invalid_request"
	ReasonContentBlock Reason = "content_filter"
	ReasonAbort        Reason = "abort"
	ReasonUnknown      Reason = "unknown"
)

// IsCredential reports whether the reason means the credential itself is
// unusable and another auth profile should be tried.
func (r Reason) IsCredential() bool {
	return r == ReasonAuth || r == ReasonBilling
}

// IsTransient reports whether retrying the same request may succeed.
func (r Reason) IsTransient() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

type pattern struct {
	reason Reason
	needle []string
}

// Order matters: the first matching group wins.
var messagePatterns = []pattern{
	{ReasonAbort, []string{"aborted", "cancelled", "user abort"}},
	{ReasonTimeout, []string{"timeout", "timed out", "deadline exceeded", "etimedout"}},
	{ReasonRateLimit, []string{"rate limit", "rate_limit", "too many requests", "overloaded", "429", "529"}},
	{ReasonAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "invalid x-api-key", "authentication", "permission_error", "401", "403"}},
	{ReasonBilling, []string{"billing", "payment", "quota", "insufficient", "credit balance", "402"}},
	{ReasonUnavailable, []string{"model not found", "model_not_found", "does not exist", "unavailable"}},
	{ReasonContentBlock, []string{"content_filter", "content policy", "safety", "blocked"}},
	{ReasonServerError, []string{"internal server", "server error", "500", "502", "503", "504"}},
	{ReasonInvalid, []string{"invalid", "bad request", "400"}},
}

// Classify derives a Reason from an error's type and message text.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var failoverErr *FailoverError
	if errors.As(err, &failoverErr) && failoverErr.Reason != "" {
		return failoverErr.Reason
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return ReasonAbort
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies raw error text.
func ClassifyMessage(msg string) Reason {
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		for _, needle := range p.needle {
			if strings.Contains(lower, needle) {
				return p.reason
			}
		}
	}
	return ReasonUnknown
}
