package toolrun

import (
	"fmt"
	"strings"
)

// ToolError reports a tool that ran and exited non-zero.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if line := firstLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// StartError reports a tool that could not be started at all.
type StartError struct {
	Tool string
	Err  error
}

func (e *StartError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("start %s: %v", e.Tool, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// RetryError is returned once every attempt failed. Log holds the error log
// content of all attempts in order.
type RetryError struct {
	Tool     string
	Attempts int
	Log      string
	Last     error
}

func (e *RetryError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Last)
	if log := strings.TrimSpace(e.Log); log != "" {
		msg += "\n" + log
	}
	return msg
}

func (e *RetryError) Unwrap() error { return e.Last }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
