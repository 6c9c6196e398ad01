package llm

import (
	"errors"
	"fmt"

	"github.com/harunnryd/beacon/pkg/errorsx"
	"github.com/harunnryd/beacon/pkg/resilience"
)

var (
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrMalformedResponse = errors.New("malformed model response")
)

// Unavailable wraps a transport, timeout or status failure from provider.
// Rate limits keep their own reason so breakers and retries can see them.
func Unavailable(provider string, err error) error {
	if err == nil {
		err = errors.New("no response")
	}
	reason := errorsx.ReasonModelUnavailable
	if resilience.IsRateLimit(err) {
		reason = errorsx.ReasonModelRateLimit
	}
	return errorsx.Wrap(fmt.Errorf("%s: %w: %w", provider, ErrModelUnavailable, err), reason)
}

// Malformed reports a response that could not be turned into a Response.
func Malformed(provider, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errorsx.Wrap(fmt.Errorf("%s: %w: %s", provider, ErrMalformedResponse, msg), errorsx.ReasonMalformedResponse)
}
