// Package service applies the paste rules on top of a storage.Store: it
// validates and stamps new pastes, and turns view consumption into the
// result a reader receives.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pastebin-lite/internal/id"
	"pastebin-lite/internal/lifecycle"
	"pastebin-lite/internal/storage"
)

const (
	defaultMaxBytes = 1_048_576
	insertAttempts  = 5
)

// Config wires a Service.
type Config struct {
	Store    storage.Store
	IDs      *id.Generator
	Clock    lifecycle.Clock
	Logger   zerolog.Logger
	MaxBytes int
}

// Service implements paste creation and retrieval.
type Service struct {
	store    storage.Store
	ids      *id.Generator
	clock    lifecycle.Clock
	logger   zerolog.Logger
	maxBytes int
}

// CreateParams are the caller supplied fields of a new paste.
type CreateParams struct {
	Content    string
	TTLSeconds *int
	MaxViews   *int
}

// Result is what a successful read returns.
type Result struct {
	ID             string
	Content        string
	CreatedAt      time.Time
	RemainingViews *int
	ExpiresAt      *time.Time
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.IDs == nil {
		cfg.IDs = id.New(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = lifecycle.SystemClock
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &Service{
		store:    cfg.Store,
		ids:      cfg.IDs,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		maxBytes: cfg.MaxBytes,
	}, nil
}

// Now reports the service clock.
func (s *Service) Now() time.Time {
	return s.clock()
}

// MaxBytes reports the largest accepted content size.
func (s *Service) MaxBytes() int {
	return s.maxBytes
}

// Create validates p and stores a new paste stamped with the service clock.
func (s *Service) Create(ctx context.Context, p CreateParams) (*storage.Paste, error) {
	return s.CreateAt(ctx, p, s.clock())
}

// CreateAt is Create with an explicit creation time.
func (s *Service) CreateAt(ctx context.Context, p CreateParams, now time.Time) (*storage.Paste, error) {
	if err := s.validate(p); err != nil {
		return nil, err
	}

	createdAt := storage.TruncateTime(now)
	paste := &storage.Paste{
		Content:    p.Content,
		CreatedAt:  createdAt,
		TTLSeconds: p.TTLSeconds,
		ExpiresAt:  lifecycle.ExpiryFor(createdAt, p.TTLSeconds),
		MaxViews:   p.MaxViews,
	}

	for attempt := 1; ; attempt++ {
		pid, err := s.ids.Generate(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "generate id")
		}
		paste.ID = pid
		_, err = s.store.Insert(ctx, paste)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrConflict) && attempt < insertAttempts {
			s.logger.Warn().Str("id", pid).Int("attempt", attempt).Msg("paste id collision, regenerating")
			continue
		}
		return nil, errors.Wrap(err, "insert paste")
	}

	s.logger.Debug().
		Str("id", paste.ID).
		Int("bytes", len(paste.Content)).
		Bool("ttl", paste.TTLSeconds != nil).
		Bool("max_views", paste.MaxViews != nil).
		Msg("paste created")
	return paste, nil
}

func (s *Service) validate(p CreateParams) error {
	if strings.TrimSpace(p.Content) == "" {
		return invalid(FieldContent, msgContent)
	}
	if len(p.Content) > s.maxBytes {
		return invalid(FieldContent, "content must be at most %d bytes", s.maxBytes)
	}
	if p.TTLSeconds != nil && *p.TTLSeconds < 1 {
		return invalid(FieldTTLSeconds, msgTTLSeconds)
	}
	if p.MaxViews != nil && *p.MaxViews < 1 {
		return invalid(FieldMaxViews, msgMaxViews)
	}
	return nil
}

// Retrieve consumes one view of the paste at the service clock.
func (s *Service) Retrieve(ctx context.Context, pasteID string) (*Result, error) {
	return s.RetrieveAt(ctx, pasteID, s.clock())
}

// RetrieveAt consumes one view of the paste as of now. The view that reaches
// the limit is returned in full; every later one is ErrNotFound.
func (s *Service) RetrieveAt(ctx context.Context, pasteID string, now time.Time) (*Result, error) {
	if !s.ids.Valid(pasteID) {
		return nil, ErrNotFound
	}
	snap, err := s.store.ConsumeView(ctx, pasteID, storage.CeilTime(now))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "consume view")
	}
	return &Result{
		ID:             snap.ID,
		Content:        snap.Content,
		CreatedAt:      snap.CreatedAt,
		RemainingViews: lifecycle.RemainingViews(snap),
		ExpiresAt:      snap.ExpiresAt,
	}, nil
}

// Lookup reports whether the paste is still available without consuming a view.
func (s *Service) Lookup(ctx context.Context, pasteID string, now time.Time) (*storage.Paste, error) {
	if !s.ids.Valid(pasteID) {
		return nil, ErrNotFound
	}
	snap, err := s.store.Get(ctx, pasteID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	if lifecycle.IsUnavailable(snap, storage.CeilTime(now)) {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Ping checks that the store answers.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
