package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Orchestration-level. These abort the current question cycle.
	ReasonUnknownTool        ReasonCode = "unknown_tool"
	ReasonDuplicateTool      ReasonCode = "duplicate_tool"
	ReasonRedundantCall      ReasonCode = "redundant_call"
	ReasonArgumentValidation ReasonCode = "argument_validation"
	ReasonIterationLimit     ReasonCode = "iteration_limit"

	// Backend-level. The caller may retry the whole question.
	ReasonModelUnavailable  ReasonCode = "model_unavailable"
	ReasonMalformedResponse ReasonCode = "malformed_response"
	ReasonModelRateLimit    ReasonCode = "model_rate_limit"

	// Handler-level. Recovered in-loop as a ToolResult turn.
	ReasonToolFailure ReasonCode = "tool_failure"
	ReasonToolTimeout ReasonCode = "tool_timeout"

	ReasonCanceled ReasonCode = "canceled"

	ReasonStore     ReasonCode = "store"
	ReasonTelephony ReasonCode = "telephony"
	ReasonMCP       ReasonCode = "mcp"
)

// Error lets a code be used as an errors.Is target.
func (r ReasonCode) Error() string { return string(r) }

// Retryable reports whether a question that ended with reason may be asked
// again. Only transport-level backend failures qualify; a malformed reply is
// returned to the caller as is.
func Retryable(reason ReasonCode) bool {
	switch reason {
	case ReasonModelUnavailable, ReasonModelRateLimit:
		return true
	default:
		return false
	}
}
