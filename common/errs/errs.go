package errs

import (
	"github.com/pkg/errors"
)

const (
	CodeDuplicateStream = 1001
	CodeStreamNotExist  = 1002
	CodeAlreadyRunning  = 1003
	CodeNotRunning      = 1004
	CodeInvalidURL      = 2001
	CodeInvalidConfig   = 2002
	CodeTransport       = 3001
	CodeProtocol        = 3002
	CodeRetryExhausted  = 3003
	CodeEncoderInput    = 4001
	CodeCacheOverflow   = 4002
	CodeCacheClosed     = 4003
	CodeInternal        = 5001
	CodeUnknown         = 9999
)

var (
	ErrDuplicateStream = New(CodeDuplicateStream, "duplicate stream")
	ErrStreamNotExist  = New(CodeStreamNotExist, "stream not exist")
	ErrAlreadyRunning  = New(CodeAlreadyRunning, "publisher already running")
	ErrNotRunning      = New(CodeNotRunning, "publisher not running")
	ErrInvalidURL      = New(CodeInvalidURL, "invalid url")
	ErrInvalidConfig   = New(CodeInvalidConfig, "invalid config")
	ErrTransport       = New(CodeTransport, "transport error")
	ErrProtocol        = New(CodeProtocol, "protocol error")
	ErrRetryExhausted  = New(CodeRetryExhausted, "reconnect retries exhausted")
	ErrEncoderInput    = New(CodeEncoderInput, "invalid encoder input")
	ErrCacheOverflow   = New(CodeCacheOverflow, "frame cache overflow")
	ErrCacheClosed     = New(CodeCacheClosed, "frame cache closed")
	ErrInternal        = New(CodeInternal, "internal error")
)

const (
	Success = "success"
)

type Error struct {
	Code int32
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func New(code int32, msg string) error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Code returns the code of the root cause of e.
func Code(e error) int32 {
	if e == nil {
		return 0
	}
	err, ok := errors.Cause(e).(*Error)
	if !ok {
		return CodeUnknown
	}

	if err == (*Error)(nil) {
		return 0
	}
	return err.Code
}

func Msg(e error) string {
	if e == nil {
		return Success
	}
	err, ok := errors.Cause(e).(*Error)
	if !ok {
		return "unknown error: " + e.Error()
	}

	if err == (*Error)(nil) {
		return Success
	}

	return err.Msg
}

// Is reports whether the root cause of e carries the same code as target.
func Is(e error, target error) bool {
	if e == nil || target == nil {
		return e == target
	}
	return Code(e) == Code(target)
}

// Retryable reports whether e should be recovered by reconnecting.
// Protocol errors are handled exactly like transport errors.
func Retryable(e error) bool {
	switch Code(e) {
	case CodeTransport, CodeProtocol:
		return true
	}
	return false
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
