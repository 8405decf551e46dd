package models

// ErrorKind classifies a failure for retry/fallback decisions.
// The classifier in pkg/errclass maps raw errors onto these kinds.
type ErrorKind string

const (
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindTool        ErrorKind = "tool_error"
	ErrKindLLM         ErrorKind = "llm_error"
	ErrKindDependency  ErrorKind = "dependency_error"
	ErrKindValidation  ErrorKind = "validation_error"
	ErrKindNetwork     ErrorKind = "network_error"
	ErrKindCancelled   ErrorKind = "cancelled"
	ErrKindUnknown     ErrorKind = "unknown"
	ErrKindFatal       ErrorKind = "fatal"
)

// ErrorEntry is one append-only failure record in AnalysisState.
type ErrorEntry struct {
	Agent      AgentKind `json:"agent"`
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	RetryCount int       `json:"retry_count"`
}
