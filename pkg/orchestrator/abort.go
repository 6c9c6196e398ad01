package orchestrator

import (
	"errors"
	"fmt"

	"github.com/harunnryd/beacon/pkg/errorsx"
)

// AbortError is returned by Session.Ask when a cycle ends in Aborted.
type AbortError struct {
	Reason errorsx.ReasonCode
	// Tool is the tool that triggered the abort, if any.
	Tool string
	Err  error
}

func (e *AbortError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("cycle aborted (%s, tool %s): %v", e.Reason, e.Tool, e.Err)
	}
	return fmt.Sprintf("cycle aborted (%s): %v", e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Retryable reports whether asking the same question again may succeed.
func (e *AbortError) Retryable() bool {
	return errorsx.Retryable(e.Reason)
}

// UserMessage is a short explanation suitable for showing to the end user.
func (e *AbortError) UserMessage() string {
	switch e.Reason {
	case errorsx.ReasonModelUnavailable, errorsx.ReasonModelRateLimit:
		return "The assistant could not reach its language model. Please try again."
	case errorsx.ReasonMalformedResponse:
		return "The assistant returned a reply it could not understand. Please try again."
	case errorsx.ReasonUnknownTool, errorsx.ReasonRedundantCall, errorsx.ReasonArgumentValidation:
		return "The assistant gave an invalid tool request."
	case errorsx.ReasonIterationLimit:
		return "The assistant could not settle on an answer with the tools available."
	case errorsx.ReasonCanceled:
		return "The request was cancelled."
	default:
		return "The assistant could not complete the request."
	}
}

func newAbort(reason errorsx.ReasonCode, err error) *AbortError {
	if reason == "" || reason == errorsx.ReasonUnknown {
		reason = errorsx.Reason(err)
	}
	return &AbortError{Reason: reason, Tool: errorsx.Tool(err), Err: err}
}

// AsAbort extracts an AbortError from err.
func AsAbort(err error) (*AbortError, bool) {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
