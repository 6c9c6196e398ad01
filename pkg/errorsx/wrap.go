package errorsx

import "errors"

// ReasonedError tags an error with a reason code and, when known, the tool it
// concerns. errors.Is(err, ReasonX) matches on the code.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
	Tool   string
}

func (e *ReasonedError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Tool != "" {
		return string(e.Reason) + ": " + e.Tool
	}
	return string(e.Reason)
}

func (e *ReasonedError) Unwrap() error { return e.Err }

func (e *ReasonedError) Is(target error) bool {
	rc, ok := target.(ReasonCode)
	return ok && rc == e.Reason
}

// Wrap attaches a reason code to err. The first reason attached wins; a nil
// err stays nil.
func Wrap(err error, reason ReasonCode) error {
	return WrapTool(err, reason, "")
}

// WrapTool is Wrap with the tool that triggered the error. A tool name is
// still added to an error that already has a reason but no tool.
func WrapTool(err error, reason ReasonCode, tool string) error {
	if err == nil {
		return nil
	}
	var re *ReasonedError
	if errors.As(err, &re) {
		if tool == "" || re.Tool != "" {
			return err
		}
		return &ReasonedError{Err: err, Reason: re.Reason, Tool: tool}
	}
	return &ReasonedError{Err: err, Reason: reason, Tool: tool}
}

// Reason returns the outermost reason code attached to err.
func Reason(err error) ReasonCode {
	var re *ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// Tool returns the tool name attached to err, if any.
func Tool(err error) string {
	var re *ReasonedError
	if errors.As(err, &re) {
		return re.Tool
	}
	return ""
}
