package gateway

import "fmt"

// Code is the machine-readable error code carried in a NACK.
type Code string

const (
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodePermission     Code = "PERMISSION_ERROR"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeQueueFull      Code = "QUEUE_FULL"
	CodeNoDisplay      Code = "NO_DISPLAY_CONNECTED"
	CodeExecution      Code = "EXECUTION_ERROR"
)

// CommandError is a rejection that maps directly onto a NACK. It is the
// only error type that ever reaches a connected client.
type CommandError struct {
	Code   Code
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func errAuthentication(reason string) *CommandError {
	return &CommandError{Code: CodeAuthentication, Reason: reason}
}

func errPermission(reason string) *CommandError {
	return &CommandError{Code: CodePermission, Reason: reason}
}

func errValidation(field, reason string) *CommandError {
	return &CommandError{Code: CodeValidation, Reason: field + ": " + reason}
}

func errQueueFull() *CommandError {
	return &CommandError{Code: CodeQueueFull, Reason: "command queue at capacity"}
}

func errNoDisplay() *CommandError {
	return &CommandError{Code: CodeNoDisplay, Reason: "no display client connected"}
}
