package protocol

import "fmt"

// ErrorCode is the stable machine-readable code carried by error frames.
// Clients branch on the code; the message is for humans only.
type ErrorCode string

const (
	// ErrInvalidMessage: the envelope failed to decode or validate.
	ErrInvalidMessage ErrorCode = "INVALID_MESSAGE"

	// ErrInvalidPath: the requested path is relative, missing, or outside
	// the configured allow-list.
	ErrInvalidPath ErrorCode = "INVALID_PATH"

	// ErrProjectNesting: the requested path is an ancestor or descendant of
	// an existing project's path.
	ErrProjectNesting ErrorCode = "PROJECT_NESTING"

	// ErrProjectNotFound: no project with the given identifier.
	ErrProjectNotFound ErrorCode = "PROJECT_NOT_FOUND"

	// ErrProjectLimit: the configured maximum number of projects is reached.
	ErrProjectLimit ErrorCode = "PROJECT_LIMIT"

	// ErrExecutionTimeout: the agent CLI exceeded its deadline and was killed.
	ErrExecutionTimeout ErrorCode = "EXECUTION_TIMEOUT"

	// ErrClaudeNotFound: the agent CLI binary is missing or not executable.
	ErrClaudeNotFound ErrorCode = "CLAUDE_NOT_FOUND"

	// ErrProcessActive: the operation conflicts with an in-flight execution.
	ErrProcessActive ErrorCode = "PROCESS_ACTIVE"

	// ErrResourceLimit: the server is over a resource budget (connections,
	// executions, memory, message rate). Retry is the client's responsibility.
	ErrResourceLimit ErrorCode = "RESOURCE_LIMIT"

	// ErrInternal: an unexpected server fault; details are in the server log.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// WireError is an error that maps directly onto an error frame. Handlers and
// validators return it for client-fault conditions; anything else surfaces as
// INTERNAL_ERROR with the detail kept server-side.
type WireError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a WireError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorFrame builds an error frame for the given project (may be empty).
func ErrorFrame(projectID string, code ErrorCode, message string) Frame {
	return NewFrame(TypeError, projectID, ErrorPayload{Code: code, Message: message})
}

// FrameFromError converts any error into an error frame. WireErrors keep
// their code and message; all other errors are masked as INTERNAL_ERROR so
// server-side details never leak to clients.
func FrameFromError(projectID string, err error) Frame {
	if we, ok := err.(*WireError); ok {
		return NewFrame(TypeError, projectID, ErrorPayload{
			Code:    we.Code,
			Message: we.Message,
			Details: we.Details,
		})
	}
	return ErrorFrame(projectID, ErrInternal, "an internal error occurred")
}
