package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies remote store failures for the retry policy.
type Kind int

const (
	// KindTransient - сеть недоступна, таймаут, 5xx; имеет смысл повторить
	KindTransient Kind = iota + 1
	// KindPermanent - ошибка валидации, 4xx; повтор бессмысленен
	KindPermanent
)

// Error is a classified remote store failure.
type Error struct {
	Err        error
	Message    string
	Kind       Kind
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote store error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote store error: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable failure.
func NewTransient(statusCode int, message string, err error) *Error {
	return &Error{Kind: KindTransient, StatusCode: statusCode, Message: message, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(statusCode int, message string, err error) *Error {
	return &Error{Kind: KindPermanent, StatusCode: statusCode, Message: message, Err: err}
}

// IsPermanent reports whether err is a classified permanent failure.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindPermanent
}

// IsTransient reports whether err should be retried with backoff.
// Неклассифицированные ошибки (обрыв соединения, таймаут контекста,
// ошибки net) считаются transient: безопаснее повторить, чем потерять.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind == KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return !IsPermanent(err)
}
