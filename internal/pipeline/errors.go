package pipeline

import (
	"errors"
	"fmt"
)

// ErrorCode classifies run-level failures.
type ErrorCode int

const (
	// ErrUnknown represents an unclassified failure
	ErrUnknown ErrorCode = iota
	// ErrReferenceLoadEmpty means no usable reference face was found
	ErrReferenceLoadEmpty
	// ErrSourceMissing means the source location cannot be listed
	ErrSourceMissing
	// ErrDestinationCreate means a destination or local output location could not be prepared
	ErrDestinationCreate
	// ErrFetch means a bundle could not be copied into scratch
	ErrFetch
	// ErrCorruptArchive means a fetched bundle failed its integrity check
	ErrCorruptArchive
	// ErrUpload means an upload failed on every attempt
	ErrUpload
	// ErrEncoder means the face encoder stopped answering
	ErrEncoder
	// ErrRelocate means a matched photo could not be moved into the result directory
	ErrRelocate
)

func (c ErrorCode) String() string {
	switch c {
	case ErrReferenceLoadEmpty:
		return "reference-load-empty"
	case ErrSourceMissing:
		return "source-missing"
	case ErrDestinationCreate:
		return "destination-create"
	case ErrFetch:
		return "fetch"
	case ErrCorruptArchive:
		return "corrupt-archive"
	case ErrUpload:
		return "upload"
	case ErrEncoder:
		return "encoder"
	case ErrRelocate:
		return "relocate"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new pipeline error
func NewError(code ErrorCode, message string, err error) error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsErrorCode checks if err is a pipeline error with the given code
func IsErrorCode(err error, code ErrorCode) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}

// Fatal reports whether err stops the whole run rather than one bundle.
func Fatal(err error) bool {
	var pErr *Error
	if !errors.As(err, &pErr) {
		return err != nil
	}
	switch pErr.Code {
	case ErrFetch, ErrCorruptArchive, ErrRelocate:
		return false
	default:
		return true
	}
}
