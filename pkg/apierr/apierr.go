// Package apierr defines the orchestration error taxonomy and its JSON/HTTP
// rendering. Callers branch on Code via errors.As/Is; messages are for
// humans only.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Code classifies an orchestration failure.
type Code string

const (
	// CodeBadRequest — malformed input: empty prompt, unknown pattern,
	// unresolvable model identifier, out-of-range option.
	CodeBadRequest Code = "bad_request"

	// CodeInsufficientModels — a stage could not reach the minimum-models
	// success floor.
	CodeInsufficientModels Code = "insufficient_models"

	// CodeDeadlineExceeded — the global deadline expired or the caller
	// cancelled before a usable result existed.
	CodeDeadlineExceeded Code = "deadline_exceeded"

	// CodeRateLimited — the global orchestrations-per-minute ceiling rejected
	// the request before any provider was called.
	CodeRateLimited Code = "rate_limited"

	// CodeInternalError — invariant violation; not an expected failure mode.
	CodeInternalError Code = "internal_error"
)

// HTTPStatus maps a code to the status the ops/API surface responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest:
		return fasthttp.StatusBadRequest
	case CodeInsufficientModels:
		return fasthttp.StatusServiceUnavailable
	case CodeDeadlineExceeded:
		return fasthttp.StatusGatewayTimeout
	case CodeRateLimited:
		return fasthttp.StatusTooManyRequests
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Error is a classified orchestration failure.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	cause error
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that preserves cause for errors.Is/As chains.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two apierr values by code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the Code from any error chain. Unclassified errors read as
// CodeInternalError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

type envelope struct {
	Error *Error `json:"error"`
}

// Write renders err as JSON on a fasthttp response with the status implied
// by its code.
func Write(ctx *fasthttp.RequestCtx, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternalError, Message: err.Error()}
	}

	ctx.SetStatusCode(e.Code.HTTPStatus())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}
