package storage

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a paste does not exist or can no longer be served.
	ErrNotFound = errors.New("paste not found")
	// ErrInvalidRecord is returned when a paste is missing required fields.
	ErrInvalidRecord = errors.New("invalid paste record")
	// ErrConflict is returned by Insert when the id is already taken.
	ErrConflict = errors.New("paste id already exists")
	// ErrUnavailable is returned when the backend cannot be reached in time.
	ErrUnavailable = errors.New("store unavailable")
)

// Paste represents a stored paste entry.
type Paste struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	TTLSeconds *int       `json:"ttl_seconds,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	MaxViews   *int       `json:"max_views,omitempty"`
	ViewCount  int        `json:"view_count"`
}

// HasExpiration reports whether the paste has an expiry set.
func (p Paste) HasExpiration() bool {
	return p.ExpiresAt != nil
}

// Validate checks the fields every backend requires before persisting.
func (p *Paste) Validate() error {
	switch {
	case p == nil:
		return errors.Wrap(ErrInvalidRecord, "paste is nil")
	case p.ID == "":
		return errors.Wrap(ErrInvalidRecord, "missing id")
	case p.Content == "":
		return errors.Wrap(ErrInvalidRecord, "missing content")
	case p.CreatedAt.IsZero():
		return errors.Wrap(ErrInvalidRecord, "missing created_at")
	case p.TTLSeconds != nil && *p.TTLSeconds < 1:
		return errors.Wrap(ErrInvalidRecord, "ttl_seconds must be positive")
	case p.MaxViews != nil && *p.MaxViews < 1:
		return errors.Wrap(ErrInvalidRecord, "max_views must be positive")
	case p.ViewCount < 0:
		return errors.Wrap(ErrInvalidRecord, "negative view_count")
	}
	return nil
}

// Clone returns a deep copy so callers never share optional field pointers.
func (p *Paste) Clone() *Paste {
	if p == nil {
		return nil
	}
	cp := *p
	if p.TTLSeconds != nil {
		v := *p.TTLSeconds
		cp.TTLSeconds = &v
	}
	if p.ExpiresAt != nil {
		v := *p.ExpiresAt
		cp.ExpiresAt = &v
	}
	if p.MaxViews != nil {
		v := *p.MaxViews
		cp.MaxViews = &v
	}
	return &cp
}

// Store defines the storage backend contract.
//
// ConsumeView is the only operation that mutates a stored paste. It must check
// the paste's limits against now and increment ViewCount in one indivisible
// step, returning the post-increment snapshot, or ErrNotFound without any
// increment when the paste is absent, expired or exhausted.
//
// DeleteExpired removes pastes whose ExpiresAt is strictly before the cutoff;
// a paste expiring exactly at the cutoff is still readable and is kept.
type Store interface {
	Insert(ctx context.Context, paste *Paste) (string, error)
	Get(ctx context.Context, id string) (*Paste, error)
	ConsumeView(ctx context.Context, id string, now time.Time) (*Paste, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *unavailableError) Unwrap() error { return e.cause }

// Unavailable marks err as a connectivity failure while keeping its cause.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailableError{cause: err}
}

// Classify maps timeouts and network failures onto ErrUnavailable and wraps
// everything else with msg. Sentinel store errors pass through untouched.
func Classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Unavailable(errors.Wrap(err, msg))
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Unavailable(errors.Wrap(err, msg))
	}
	return errors.Wrap(err, msg)
}

// WithTimeout bounds a single store call. A zero timeout leaves ctx untouched.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// CeilTime rounds a reference time up to the next millisecond. Expiry is
// stored at millisecond precision, so rounding down would let a read a few
// microseconds past ExpiresAt through.
func CeilTime(t time.Time) time.Time {
	t = t.UTC()
	down := t.Truncate(time.Millisecond)
	if down.Equal(t) {
		return down
	}
	return down.Add(time.Millisecond)
}

// TruncateTime normalizes timestamps to UTC millisecond precision, the finest
// resolution every backend can round-trip.
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
