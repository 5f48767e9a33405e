package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrQuotaExceeded   = errors.New("quota exceeded")
)

// ErrorKind is the stable, client-facing error taxonomy. The client maps a
// kind to a friendly message; nothing internal is echoed verbatim.
type ErrorKind string

const (
	KindInvalidArguments   ErrorKind = "invalid_arguments"
	KindUnauthorizedTool   ErrorKind = "unauthorized_tool"
	KindToolTimeout        ErrorKind = "tool_timeout"
	KindToolFailure        ErrorKind = "tool_failure"
	KindSessionUnavailable ErrorKind = "session_unavailable"
	KindStepLimitExceeded  ErrorKind = "step_limit_exceeded"
	KindCancelled          ErrorKind = "cancelled"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
)

// Fatal reports whether the kind terminates the run. tool_timeout and
// tool_failure are folded back to the agent instead.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindToolTimeout, KindToolFailure:
		return false
	default:
		return true
	}
}
