package tools

import (
	"errors"
	"fmt"

	"github.com/harunnryd/beacon/pkg/errorsx"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrDuplicateTool    = errors.New("duplicate tool")
	ErrInvalidTool      = errors.New("invalid tool descriptor")
	ErrRedundantCall    = errors.New("redundant tool call")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

func unknownTool(name string) error {
	return errorsx.WrapTool(fmt.Errorf("%w: %q", ErrUnknownTool, name), errorsx.ReasonUnknownTool, name)
}

func duplicateTool(name string) error {
	return errorsx.WrapTool(fmt.Errorf("%w: %q", ErrDuplicateTool, name), errorsx.ReasonDuplicateTool, name)
}

func redundantCall(name string, count int) error {
	return errorsx.WrapTool(fmt.Errorf("%w: %q already called %d time(s) this cycle", ErrRedundantCall, name, count), errorsx.ReasonRedundantCall, name)
}

func invalidArguments(name, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errorsx.WrapTool(fmt.Errorf("%w: %s", ErrInvalidArguments, msg), errorsx.ReasonArgumentValidation, name)
}
