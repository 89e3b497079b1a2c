package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind 区分提供方错误类别，决定重试策略。
type Kind string

const (
	KindAuth       Kind = "AUTH"
	KindRateLimit  Kind = "RATE_LIMIT"
	KindNotFound   Kind = "NOT_FOUND"
	KindTransient  Kind = "TRANSIENT"
	KindInvalidArg Kind = "INVALID_ARG"
)

// Error 是提供方调用失败的统一载体；RATE_LIMIT 在上游给出时携带建议等待时长。
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider error [%s]: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("provider error [%s]: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable 返回该错误是否允许按退避策略重试。
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// AsError 提取 *Error；非提供方错误返回 nil。
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}
