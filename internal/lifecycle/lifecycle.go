// Package lifecycle decides whether a paste may still be served.
//
// All functions are pure: they look only at the snapshot and the supplied
// time, so callers can evaluate them against any clock.
package lifecycle

import (
	"time"

	"pastebin-lite/internal/storage"
)

// Clock returns the current time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Fixed returns a Clock that always reports t.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

// IsExpired reports whether now is strictly past the paste's expiry.
// A read at exactly ExpiresAt is still valid.
func IsExpired(p *storage.Paste, now time.Time) bool {
	if p == nil || p.ExpiresAt == nil {
		return false
	}
	return now.After(*p.ExpiresAt)
}

// HasExceededViews reports whether every allowed view has been consumed.
func HasExceededViews(p *storage.Paste) bool {
	if p == nil || p.MaxViews == nil {
		return false
	}
	return p.ViewCount >= *p.MaxViews
}

// IsUnavailable reports whether the paste must be treated as not found.
func IsUnavailable(p *storage.Paste, now time.Time) bool {
	return IsExpired(p, now) || HasExceededViews(p)
}

// RemainingViews returns how many views are left, clamped at zero, or nil
// when the paste has no view limit.
func RemainingViews(p *storage.Paste) *int {
	if p == nil || p.MaxViews == nil {
		return nil
	}
	left := *p.MaxViews - p.ViewCount
	if left < 0 {
		left = 0
	}
	return &left
}

// ExpiryFor derives the expiry instant from a creation time and optional TTL.
func ExpiryFor(createdAt time.Time, ttlSeconds *int) *time.Time {
	if ttlSeconds == nil {
		return nil
	}
	at := createdAt.Add(time.Duration(*ttlSeconds) * time.Second)
	return &at
}
