package service

import (
	"fmt"

	"github.com/pkg/errors"

	"pastebin-lite/internal/storage"
)

var (
	// ErrNotFound covers every reason a paste cannot be served: it never
	// existed, it expired, its views are used up, or the id is malformed.
	ErrNotFound = storage.ErrNotFound
	// ErrUnavailable means the store could not be reached in time.
	ErrUnavailable = storage.ErrUnavailable
)

// ValidationError rejects a create request and names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Error kinds reported by Kind.
const (
	KindValidation  = "validation"
	KindNotFound    = "not_found"
	KindUnavailable = "store_unavailable"
	KindInternal    = "internal"
)

// Kind classifies err for logs and metric labels.
func Kind(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	}
	return KindInternal
}
