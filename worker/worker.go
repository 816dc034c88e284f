// Package worker adapts the external AI-assistant SDK to a stable, testable
// capability. The backend carries authentication state only in the current
// process, so adapters run on the caller's goroutine, never in a subprocess.
package worker

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"

	"github.com/handoffd/handoff/store"
)

// Request carries everything an adapter needs to run one task.
type Request struct {
	ExecutionPrompt  string
	SystemPrompt     string
	WorkingDirectory string
	Model            store.Model
}

// ProgressFunc receives one human-readable progress line at a time, in the
// order the backend produced them.
type ProgressFunc func(line string)

// Adapter is the capability wrapping the worker backend.
//
// Run streams progress lines through onProgress and returns the terminal
// summary, or an error classifiable through FailureClassOf.
type Adapter interface {
	Run(ctx context.Context, req *Request, onProgress ProgressFunc) (summary string, err error)
	Name() string
}

// FailureClass categorizes adapter failures for the executor's retry decision.
type FailureClass int

const (
	// FailureTransient covers network glitches and rate limits; the executor
	// may retry.
	FailureTransient FailureClass = iota
	// FailurePermanent covers invalid prompts and auth failures; the task
	// fails immediately.
	FailurePermanent
	// FailureCrashed means the adapter died without a terminal message; the
	// executor treats it as permanent once the breaker budget is spent.
	FailureCrashed
)

// String returns the string representation of FailureClass.
func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Class FailureClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(err error) *Error {
	return &Error{Class: FailureTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *Error {
	return &Error{Class: FailurePermanent, Err: err}
}

// Crashed wraps err as an adapter death without a terminal message.
func Crashed(err error) *Error {
	return &Error{Class: FailureCrashed, Err: err}
}

// FailureClassOf determines the failure class of an adapter error. Typed
// errors win; otherwise network and timeout shapes count as transient and
// everything unknown is permanent (fail safe).
func FailureClassOf(err error) FailureClass {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	if isNetworkError(err) || isTimeoutError(err) {
		return FailureTransient
	}
	return FailurePermanent
}

// isNetworkError checks if an error is network-related (transient).
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network is unreachable",
		"no such host",
		"temporary failure",
		"dial tcp",
		"eof",
		"connection lost",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutError checks if an error is timeout-related (transient).
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	timeoutPatterns := []string{
		"timeout",
		"deadline exceeded",
		"i/o timeout",
		"operation timed out",
	}
	for _, pattern := range timeoutPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}
