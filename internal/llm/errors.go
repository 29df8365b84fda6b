package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure. Callers branch on the kind; the
// rendered string form is only for human-facing surfaces.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindAuthFailed
	KindModelNotFound
	KindRateLimited
	KindServiceUnavailable
	KindBadRequest
	KindNetwork
)

// String returns the metrics/log label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindAuthFailed:
		return "auth_failed"
	case KindModelNotFound:
		return "model_not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindBadRequest:
		return "bad_request"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Transient reports whether the failure may clear on its own and is worth
// retrying. AuthFailed, ModelNotFound and BadRequest are persistent.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindServiceUnavailable, KindNetwork:
		return true
	}
	return false
}

// Error is a classified adapter failure. It always carries the provider name
// and, when the upstream responded, the HTTP status.
type Error struct {
	Provider   string
	Model      string
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration // only meaningful for KindRateLimited; 0 = absent
	Detail     string
	cause      error
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.Status }

// Error renders the canonical human-facing string for the failure. These
// forms are part of the external contract and must not drift.
func (e *Error) Error() string {
	p := DisplayName(e.Provider)
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("Error: %s request timed out.", p)
	case KindAuthFailed:
		return fmt.Sprintf("Error: %s API authentication failed. Check API key.", p)
	case KindModelNotFound:
		return fmt.Sprintf("Error: Model %s not found in %s API", e.Model, p)
	case KindRateLimited:
		return fmt.Sprintf("Error: %s API rate limit exceeded. Please retry later.", p)
	case KindServiceUnavailable:
		return fmt.Sprintf("Error: %s service temporarily unavailable.", p)
	case KindBadRequest:
		return fmt.Sprintf("Error: Invalid request to %s API", p)
	case KindNetwork:
		return fmt.Sprintf("Error: An issue occurred with the %s API: %s", p, e.Detail)
	default:
		if e.Status != 0 {
			return fmt.Sprintf("Error: %s API HTTP %d: %s", p, e.Status, e.Detail)
		}
		return fmt.Sprintf("Error: An issue occurred with the %s API: %s", p, e.Detail)
	}
}

// displayNames maps provider identifiers to the capitalization used in
// human-facing error strings.
var displayNames = map[string]string{
	ProviderOpenAI:      "OpenAI",
	ProviderAnthropic:   "Anthropic",
	ProviderGemini:      "Google",
	ProviderHuggingFace: "HuggingFace",
	ProviderLocal:       "Local",
}

// DisplayName returns the human-facing name for a provider identifier.
func DisplayName(provider string) string {
	if n, ok := displayNames[provider]; ok {
		return n
	}
	if provider == "" {
		return "Unknown"
	}
	return strings.ToUpper(provider[:1]) + provider[1:]
}

// ClassifyStatus maps an upstream HTTP status to an *Error.
// retryAfter is the parsed Retry-After header value; pass 0 when absent.
func ClassifyStatus(provider, model string, status int, retryAfter time.Duration, detail string) *Error {
	e := &Error{Provider: provider, Model: model, Status: status, Detail: truncateDetail(detail)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthFailed
	case status == http.StatusNotFound:
		e.Kind = KindModelNotFound
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfter
	case status == http.StatusInternalServerError ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable:
		e.Kind = KindServiceUnavailable
	case status == http.StatusBadRequest:
		e.Kind = KindBadRequest
	default:
		e.Kind = KindUnknown
	}
	return e
}

// ClassifyTransport maps a transport-level failure (no HTTP response) to an
// *Error: context deadlines become Timeout, dial/reset/DNS failures become
// Network, everything else Unknown.
func ClassifyTransport(provider, model string, err error) *Error {
	e := &Error{Provider: provider, Model: model, Detail: truncateDetail(err.Error()), cause: err}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.Is(err, context.Canceled):
		e.Kind = KindTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				e.Kind = KindTimeout
			} else {
				e.Kind = KindNetwork
			}
			return e
		}
		var opErr *net.OpError
		var dnsErr *net.DNSError
		if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
			e.Kind = KindNetwork
			return e
		}
		e.Kind = KindUnknown
	}
	return e
}

// AsError extracts a classified *Error from err, or wraps it as Unknown.
func AsError(provider, model string, err error) *Error {
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if sc, ok := err.(StatusCoder); ok {
		return ClassifyStatus(provider, model, sc.HTTPStatus(), 0, err.Error())
	}
	return ClassifyTransport(provider, model, err)
}

// ParseRetryAfter parses a Retry-After header value: either delay-seconds or
// an HTTP-date. Returns 0 when the value is absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

const maxDetailLen = 512

// truncateDetail caps captured raw bodies/messages so logs stay bounded.
func truncateDetail(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	return s[:maxDetailLen] + "…"
}
