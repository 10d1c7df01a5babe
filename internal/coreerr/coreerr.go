// Package coreerr defines the closed set of error kinds the session core
// can return. Callers match on Kind rather than on string content.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure from the taxonomy in spec §7.
type Kind string

const (
	// Spawn errors.
	CommandNotFound   Kind = "command_not_found"
	PermissionDenied  Kind = "permission_denied"
	PtyAllocationFail Kind = "pty_allocation_failed"
	WorkingDirMissing Kind = "working_dir_missing"

	// Store / resource errors.
	AlreadyExists       Kind = "already_exists"
	NotFound            Kind = "not_found"
	PathTooLong         Kind = "path_too_long"
	BindFailed          Kind = "bind_failed"
	ListenFailed        Kind = "listen_failed"
	TranscriptOpenFail  Kind = "transcript_open_failed"
	TranscriptClosed    Kind = "transcript_closed"
	TranscriptWriteFail Kind = "transcript_write_failed"
	CreateFailed        Kind = "create_failed"

	// Protocol errors.
	MalformedFrame  Kind = "malformed_frame"
	UnknownCommand  Kind = "unknown_command"

	// Lifecycle.
	Stopping Kind = "stopping"
)

// Error wraps a Kind with context and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
