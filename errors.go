package prefork

import (
	"errors"
	"fmt"
)

// Common errors returned by cluster and control operations
var (
	// ErrStateFileNotFound indicates the state file does not exist
	ErrStateFileNotFound = errors.New("prefork: state file not found")

	// ErrInvalidToken indicates a control command failed token auth
	ErrInvalidToken = errors.New("prefork: invalid control token")

	// ErrUnknownCommand indicates an unrecognized control command
	ErrUnknownCommand = errors.New("prefork: unknown command")

	// ErrNotClustered indicates a cluster-only command was sent to a
	// single-process server
	ErrNotClustered = errors.New("prefork: not available in single mode")

	// ErrReforkDisabled indicates refork was requested without a configured
	// fork-after-requests threshold
	ErrReforkDisabled = errors.New("prefork: refork requires a fork-after threshold")

	// ErrTooFewWorkers indicates refork was requested with fewer than two
	// workers; the fork source must remain untouched
	ErrTooFewWorkers = errors.New("prefork: refork requires at least two workers")

	// ErrTransitionInProgress indicates a phased restart or refork is
	// already running; pool-mutating transitions are mutually exclusive
	ErrTransitionInProgress = errors.New("prefork: restart already in progress")

	// ErrBootTimeout indicates a replacement worker failed to report booted
	// within the boot timeout
	ErrBootTimeout = errors.New("prefork: worker boot timeout")

	// ErrStopping indicates the supervisor is shutting down
	ErrStopping = errors.New("prefork: supervisor stopping")

	// ErrControlNotReady indicates the control socket is not accepting
	// connections
	ErrControlNotReady = errors.New("prefork: control not accepting connections")
)

// PidNotFoundError indicates the PID recorded in the state file is not a
// live process. Its message is the greppable discovery error surfaced by
// administrative clients.
type PidNotFoundError struct {
	// PID is the process id that was looked up
	PID int
}

// Error returns the discovery error text
func (e *PidNotFoundError) Error() string {
	return fmt.Sprintf("No pid '%d' found", e.PID)
}

// CmdError represents an error from a control or cluster operation
type CmdError struct {
	// Cmd is the command that failed
	Cmd Command
	// Addr is the socket address or file path involved
	Addr string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *CmdError) Error() string {
	return fmt.Sprintf("prefork %s %q: %v", e.Cmd.String(), e.Addr, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *CmdError) Unwrap() error {
	return e.Err
}

// MultiError aggregates multiple errors from bulk worker operations
type MultiError struct {
	// Errors contains all accumulated errors
	Errors []error
}

// Error returns a summary of the accumulated errors
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred", len(m.Errors))
}

// Add appends an error to the collection if it's not nil
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Err returns nil if no errors occurred, otherwise returns the MultiError itself
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}
