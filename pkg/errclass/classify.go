// Package errclass maps raw failures onto the engine's error taxonomy and
// decides how the scheduler should react: retry, fallback, skip or fail.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/docket-ai/docket/pkg/models"
)

// Kinder is implemented by errors that know their own classification.
// Provider and tool errors across the codebase satisfy it so this package
// never needs to import them.
type Kinder interface {
	ErrorKind() models.ErrorKind
}

// Classified wraps an error with an explicit kind. Use Wrap at the point
// where the kind is known; Classify unwraps it anywhere downstream.
type Classified struct {
	Kind models.ErrorKind
	Err  error
}

// Error returns the kind-prefixed message.
func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Kind, c.Err)
}

// Unwrap returns the wrapped error.
func (c *Classified) Unwrap() error { return c.Err }

// ErrorKind returns the explicit kind.
func (c *Classified) ErrorKind() models.ErrorKind { return c.Kind }

// Wrap tags err with an explicit kind. Returns nil for nil err.
func Wrap(kind models.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// Wrapf tags a formatted error with an explicit kind.
func Wrapf(kind models.ErrorKind, format string, args ...any) error {
	return &Classified{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps an error onto the taxonomy. Order matters: explicit kinds
// beat context errors beat network types beat message heuristics.
func Classify(err error) models.ErrorKind {
	if err == nil {
		return models.ErrKindUnknown
	}

	var kinder Kinder
	if errors.As(err, &kinder) {
		return kinder.ErrorKind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.ErrKindCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrKindTimeout
		}
		return models.ErrKindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return models.ErrKindNetwork
	}

	// Message heuristics as a last resort; provider SDK errors often reach
	// here as opaque strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return models.ErrKindTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "no such host"):
		return models.ErrKindNetwork
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "429") || strings.Contains(msg, "503"):
		return models.ErrKindLLM
	case strings.Contains(msg, "schema") || strings.Contains(msg, "invalid json"):
		return models.ErrKindValidation
	}
	return models.ErrKindUnknown
}
