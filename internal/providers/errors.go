package providers

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/nexus/internal/engine"
)

// failoverReason mirrors the reference providers/errors.go classification
// scheme, collapsed onto the engine-wide taxonomy: a provider error is
// always surfaced as a TransportError, Timeout, RemoteError,
// Unauthorized, or BadRequest, with the finer reason kept as an attribute for logging and
// retry-vs-failover decisions inside this package.
type failoverReason string

const (
	reasonBilling          failoverReason = "billing"
	reasonRateLimit        failoverReason = "rate_limit"
	reasonAuth             failoverReason = "auth"
	reasonTimeout          failoverReason = "timeout"
	reasonServerError      failoverReason = "server_error"
	reasonInvalidRequest   failoverReason = "invalid_request"
	reasonModelUnavailable failoverReason = "model_unavailable"
	reasonContentFilter    failoverReason = "content_filter"
	reasonUnknown          failoverReason = "unknown"
)

func (r failoverReason) retryable() bool {
	switch r {
	case reasonRateLimit, reasonTimeout, reasonServerError:
		return true
	default:
		return false
	}
}

func (r failoverReason) toKind() engine.Kind {
	switch r {
	case reasonTimeout:
		return engine.Timeout
	case reasonAuth:
		return engine.Unauthorized
	case reasonInvalidRequest:
		return engine.BadRequest
	case reasonRateLimit, reasonServerError:
		return engine.TransportError
	case reasonBilling, reasonModelUnavailable, reasonContentFilter:
		return engine.RemoteError
	default:
		return engine.TransportError
	}
}

// classifyError inspects a raw error's message for well-known substrings,
// the same heuristic the reference implementation uses.
func classifyError(err error) failoverReason {
	if err == nil {
		return reasonUnknown
	}
	s := strings.ToLower(err.Error())
	switch {
	case containsAny(s, "timeout", "deadline exceeded", "context deadline", "etimedout"):
		return reasonTimeout
	case containsAny(s, "rate limit", "rate_limit", "too many requests", "429"):
		return reasonRateLimit
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return reasonAuth
	case containsAny(s, "billing", "payment", "quota", "insufficient", "402"):
		return reasonBilling
	case containsAny(s, "content_filter", "content policy", "safety", "blocked"):
		return reasonContentFilter
	case containsAny(s, "model not found", "model_not_found", "does not exist", "unavailable"):
		return reasonModelUnavailable
	case containsAny(s, "internal server", "server error", "500", "502", "503", "504"):
		return reasonServerError
	default:
		return reasonUnknown
	}
}

func classifyStatusCode(status int) failoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return reasonAuth
	case status == http.StatusPaymentRequired:
		return reasonBilling
	case status == http.StatusTooManyRequests:
		return reasonRateLimit
	case status == http.StatusBadRequest:
		return reasonInvalidRequest
	case status == http.StatusNotFound:
		return reasonModelUnavailable
	case status >= 500:
		return reasonServerError
	default:
		return reasonUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// wrapProviderErr builds an *engine.Error classified from a raw cause, for
// adapters that don't have an HTTP status to classify against.
func wrapProviderErr(component string, err error) error {
	if err == nil {
		return nil
	}
	reason := classifyError(err)
	return engine.Wrap(reason.toKind(), component, err)
}

// wrapProviderStatus builds an *engine.Error classified from an HTTP
// status code, preferring the status over message-sniffing.
func wrapProviderStatus(component string, status int, err error) error {
	reason := classifyStatusCode(status)
	return engine.Wrap(reason.toKind(), component, err)
}

// isRetryable reports whether a raw (non-wrapped) error looks retryable
// under the reference's substring heuristic — used before an error has
// been wrapped into the engine taxonomy.
func isRetryable(err error) bool {
	if kind, ok := engine.KindOf(err); ok {
		return kind.Retryable()
	}
	return classifyError(err).retryable()
}
