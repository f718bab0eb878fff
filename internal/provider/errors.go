package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/conductor/internal/models"
)

// ErrCredentialRequired is returned by factories that need an API key.
var ErrCredentialRequired = errors.New("provider credential is required")

// ModelNotFoundError reports an unknown provider or model.
type ModelNotFoundError struct {
	ProviderID  string
	ModelID     string
	Suggestions []string
}

func (e *ModelNotFoundError) Error() string {
	var msg string
	if e.ModelID == "" {
		msg = fmt.Sprintf("Provider %q not found", e.ProviderID)
	} else {
		msg = fmt.Sprintf("Model %q not found for provider %q", e.ModelID, e.ProviderID)
	}
	if len(e.Suggestions) > 0 {
		msg += ". Did you mean: " + strings.Join(e.Suggestions, ", ") + "?"
	}
	return msg
}

// ProviderError is a classified error from a provider API.
type ProviderError struct {
	Reason    models.Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
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
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause and classifies it from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: models.ReasonUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = models.Classify(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != models.ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a provider error code and reclassifies from it.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != models.ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage replaces the message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithRequestID records the provider request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func classifyStatusCode(status int) models.Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ReasonAuth
	case status == http.StatusPaymentRequired:
		return models.ReasonBilling
	case status == http.StatusTooManyRequests || status == 529:
		return models.ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.ReasonTimeout
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return models.ReasonInvalid
	case status == http.StatusNotFound:
		return models.ReasonUnavailable
	case status >= 500:
		return models.ReasonServerError
	default:
		return models.ReasonUnknown
	}
}

func classifyErrorCode(code string) models.Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "overloaded_error", "throttlingexception", "resource_exhausted":
		return models.ReasonRateLimit
	case "authentication_error", "permission_error", "invalid_api_key", "accessdeniedexception", "unrecognizedclientexception":
		return models.ReasonAuth
	case "billing_error", "insufficient_quota":
		return models.ReasonBilling
	case "model_not_found", "model_not_available", "resourcenotfoundexception":
		return models.ReasonUnavailable
	case "content_policy_violation", "content_filter":
		return models.ReasonContentBlock
	case "server_error", "internal_error", "api_error", "internalserverexception", "serviceunavailableexception", "modelnotreadyexception":
		return models.ReasonServerError
	case "invalid_request_error", "validationexception":
		return models.ReasonInvalid
	default:
		return models.ReasonUnknown
	}
}

// ClassifyError returns the failover reason of err, preferring structured
// provider information over message text.
func ClassifyError(err error) models.Reason {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Reason
	}
	return models.Classify(err)
}

var transientPatterns = []string{
	"rate limit", "rate_limit", "overloaded", "429", "500", "502", "503", "504", "529",
	"timeout", "timed out", "too many requests", "throttling", "connection reset",
}

// IsTransient reports whether err is worth retrying on the same credential.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Reason.IsTransient() {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

var overflowPatterns = []string{
	"prompt is too long",
	"context length exceeded",
	"context_length_exceeded",
	"maximum context length",
	"request_too_large",
	"request size exceeds",
	"input is too long",
	"exceeds the context window",
	"context window",
	"too many tokens",
	"413",
}

// IsContextOverflow reports whether err means the prompt exceeded the model context.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, p := range overflowPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsCompactionFailure reports whether an overflow happened while summarizing.
func IsCompactionFailure(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return IsContextOverflow(err) && (strings.Contains(lower, "compaction") || strings.Contains(lower, "summarization"))
}

var thinkingPatterns = []string{
	"thinking is not supported",
	"does not support thinking",
	"reasoning is not supported",
	"does not support reasoning",
	"unsupported thinking",
	"reasoning_effort",
	"budget_tokens",
	"thinking level",
	"thinking_config",
}

// IsThinkingUnsupported reports whether err rejects the requested reasoning level.
func IsThinkingUnsupported(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, p := range thinkingPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
