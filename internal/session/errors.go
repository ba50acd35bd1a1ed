package session

import "fmt"

// Error codes surfaced to clients on the error event.
const (
	CodeAuth       = "auth"
	CodeValidation = "validation"
	CodeForbidden  = "forbidden"
	CodeStorage    = "storage"
	CodeTerminal   = "terminal"
)

// OpError is a per-operation failure delivered to the offending
// connection only; it never tears the connection down.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func opError(code, format string, args ...any) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...)}
}
