package dmabuf

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured dmabuf error with operation context and an
// errno mapping for callers that bridge to kernel-style interfaces.
type Error struct {
	Op     string        // Operation that failed (e.g., "export", "attach", "map")
	Buffer string        // Buffer name, if one was assigned ("" if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Equivalent errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	switch {
	case e.Op != "" && e.Buffer != "":
		return fmt.Sprintf("dmabuf: %s (op=%s buffer=%s)", msg, e.Op, e.Buffer)
	case e.Op != "":
		return fmt.Sprintf("dmabuf: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("dmabuf: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support so callers can match on the category:
//
//	errors.Is(err, dmabuf.ErrInvalidArgument)
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

func (e ErrorCode) Error() string {
	return string(e)
}

const (
	// ErrInvalidArgument covers malformed capability sets, bad direction
	// flags, out-of-range mmap/seek arguments, and descriptors that do not
	// denote a buffer of this framework.
	ErrInvalidArgument ErrorCode = "invalid argument"

	// ErrOutOfMemory reports an allocation failure at export or map time.
	ErrOutOfMemory ErrorCode = "out of memory"

	// ErrBusy means the exporter cannot currently make the backing storage
	// reachable from the requesting device.
	ErrBusy ErrorCode = "device busy"

	// ErrNotFound means the exporting module is unavailable (unloading).
	ErrNotFound ErrorCode = "exporter not found"

	// ErrUnsupported means the exporter does not implement the operation.
	ErrUnsupported ErrorCode = "not supported"

	// ErrInterrupted means a blocking wait was interrupted; callers should
	// retry the operation.
	ErrInterrupted ErrorCode = "interrupted"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: codeToErrno(code),
		Msg:   msg,
	}
}

// NewBufferError creates a new buffer-specific error
func NewBufferError(op, buffer string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Buffer: buffer,
		Code:   code,
		Errno:  codeToErrno(code),
		Msg:    msg,
	}
}

// WrapError wraps an existing error with dmabuf operation context. Exporter
// hook failures pass through this so the category and errno are preserved.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// Already structured: keep everything, update the operation
	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Buffer: de.Buffer,
			Code:   de.Code,
			Errno:  de.Errno,
			Msg:    de.Msg,
			Inner:  de.Inner,
		}
	}

	if code, ok := inner.(ErrorCode); ok {
		return &Error{
			Op:    op,
			Code:  code,
			Errno: codeToErrno(code),
			Inner: inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  errorCode(inner),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// errorCode extracts the category from an arbitrary error, defaulting to
// ErrInvalidArgument for unclassified failures.
func errorCode(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrInvalidArgument
}

// mapErrnoToCode maps syscall errno to dmabuf error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return ErrInvalidArgument
	case syscall.ENOMEM:
		return ErrOutOfMemory
	case syscall.EBUSY:
		return ErrBusy
	case syscall.ENOENT:
		return ErrNotFound
	case syscall.EOPNOTSUPP, syscall.ENOTTY:
		return ErrUnsupported
	case syscall.EINTR:
		return ErrInterrupted
	default:
		return ErrInvalidArgument
	}
}

// codeToErrno maps dmabuf error codes to their kernel errno equivalents
func codeToErrno(code ErrorCode) syscall.Errno {
	switch code {
	case ErrInvalidArgument:
		return syscall.EINVAL
	case ErrOutOfMemory:
		return syscall.ENOMEM
	case ErrBusy:
		return syscall.EBUSY
	case ErrNotFound:
		return syscall.ENOENT
	case ErrUnsupported:
		return syscall.EOPNOTSUPP
	case ErrInterrupted:
		return syscall.EINTR
	default:
		return 0
	}
}
