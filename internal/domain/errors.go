package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodeAuthFlow         ErrorCode = "AUTH_FLOW"
	CodeInternal         ErrorCode = "INTERNAL"
)

var (
	ErrServerNotFound   = errors.New("server not found")
	ErrToolNotFound     = errors.New("tool not found")
	ErrAlreadyHosted    = errors.New("server name already hosted")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
)

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
		}
	}
	return E(code, op, "", err)
}

// CodeFrom maps an error to its code, covering both *Error values and the
// package sentinels. Unknown errors map to the empty code.
func CodeFrom(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code
	}
	switch {
	case errors.Is(err, ErrServerNotFound), errors.Is(err, ErrToolNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyHosted):
		return CodeAlreadyExists
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrNotConnected):
		return CodeUnavailable
	default:
		return ""
	}
}
