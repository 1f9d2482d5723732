package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("a batch is already running for this country")
	ErrInvalidState   = errors.New("invalid state transition")
	// ErrBatchNotRunning is returned by the store when a write targets a batch
	// that already reached a terminal state.
	ErrBatchNotRunning = errors.New("batch is not running")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type ValidationBlockedError struct {
	Reasons []string
}

func (e *ValidationBlockedError) Error() string {
	return "matching blocked: " + strings.Join(e.Reasons, "; ")
}
