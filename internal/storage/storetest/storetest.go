// Package storetest holds the behavioural checks every storage.Store backend
// must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"pastebin-lite/internal/storage"
)

// Opener returns a fresh, empty store. Run closes it when the subtest ends.
type Opener func(t *testing.T) storage.Store

// base sits near the real clock so backends with native key expiry keep the
// records around for the duration of a test.
var base = storage.TruncateTime(time.Now())

func intPtr(v int) *int { return &v }

func newPaste(id string, ttl, maxViews *int) *storage.Paste {
	p := &storage.Paste{
		ID:         id,
		Content:    "content of " + id,
		CreatedAt:  base,
		TTLSeconds: ttl,
		MaxViews:   maxViews,
	}
	if ttl != nil {
		at := base.Add(time.Duration(*ttl) * time.Second)
		p.ExpiresAt = &at
	}
	return p
}

// Run executes the contract suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"InsertGet", testInsertGet},
		{"InsertDuplicate", testInsertDuplicate},
		{"InsertInvalid", testInsertInvalid},
		{"NotFound", testNotFound},
		{"ConsumeSequential", testConsumeSequential},
		{"ConsumeConcurrent", testConsumeConcurrent},
		{"ExpiryBoundary", testExpiryBoundary},
		{"Unlimited", testUnlimited},
		{"ExpiredNotIncremented", testExpiredNotIncremented},
		{"DeleteExpired", testDeleteExpired},
		{"Ping", testPing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func mustInsert(t *testing.T, s storage.Store, p *storage.Paste) {
	t.Helper()
	id, err := s.Insert(context.Background(), p)
	if err != nil {
		t.Fatalf("insert %s: %v", p.ID, err)
	}
	if id != p.ID {
		t.Fatalf("insert returned id %q, want %q", id, p.ID)
	}
}

func testInsertGet(t *testing.T, s storage.Store) {
	p := newPaste("get-me", intPtr(60), intPtr(5))
	mustInsert(t, s, p)

	out, err := s.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Content != p.Content {
		t.Fatalf("content = %q, want %q", out.Content, p.Content)
	}
	if !out.CreatedAt.Equal(p.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", out.CreatedAt, p.CreatedAt)
	}
	if out.ExpiresAt == nil || !out.ExpiresAt.Equal(*p.ExpiresAt) {
		t.Fatalf("expires_at = %v, want %v", out.ExpiresAt, p.ExpiresAt)
	}
	if out.MaxViews == nil || *out.MaxViews != 5 {
		t.Fatalf("max_views = %v, want 5", out.MaxViews)
	}
	if out.TTLSeconds == nil || *out.TTLSeconds != 60 {
		t.Fatalf("ttl_seconds = %v, want 60", out.TTLSeconds)
	}
	if out.ViewCount != 0 {
		t.Fatalf("view_count = %d, want 0", out.ViewCount)
	}

	plain := newPaste("plain", nil, nil)
	mustInsert(t, s, plain)
	out, err = s.Get(context.Background(), plain.ID)
	if err != nil {
		t.Fatalf("get plain: %v", err)
	}
	if out.ExpiresAt != nil || out.MaxViews != nil || out.TTLSeconds != nil {
		t.Fatalf("unset limits came back set: %+v", out)
	}

	// Get never consumes.
	for i := 0; i < 3; i++ {
		if _, err := s.Get(context.Background(), p.ID); err != nil {
			t.Fatalf("repeat get: %v", err)
		}
	}
	out, _ = s.Get(context.Background(), p.ID)
	if out.ViewCount != 0 {
		t.Fatalf("get incremented view_count to %d", out.ViewCount)
	}
}

func testInsertDuplicate(t *testing.T, s storage.Store) {
	mustInsert(t, s, newPaste("dup", nil, nil))
	other := newPaste("dup", nil, nil)
	other.Content = "second"
	if _, err := s.Insert(context.Background(), other); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate insert err = %v, want ErrConflict", err)
	}
	out, err := s.Get(context.Background(), "dup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Content == "second" {
		t.Fatalf("duplicate insert overwrote the original")
	}
}

func testInsertInvalid(t *testing.T, s storage.Store) {
	bad := []*storage.Paste{
		{Content: "x", CreatedAt: base},
		{ID: "no-content", CreatedAt: base},
		{ID: "no-created", Content: "x"},
		{ID: "zero-views", Content: "x", CreatedAt: base, MaxViews: intPtr(0)},
	}
	for _, p := range bad {
		if _, err := s.Insert(context.Background(), p); !errors.Is(err, storage.ErrInvalidRecord) {
			t.Fatalf("insert %+v err = %v, want ErrInvalidRecord", p, err)
		}
	}
}

func testNotFound(t *testing.T, s storage.Store) {
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing err = %v", err)
	}
	if _, err := s.ConsumeView(context.Background(), "missing", base); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("consume missing err = %v", err)
	}
}

func testConsumeSequential(t *testing.T, s storage.Store) {
	mustInsert(t, s, newPaste("seq", nil, intPtr(2)))
	for want := 1; want <= 2; want++ {
		out, err := s.ConsumeView(context.Background(), "seq", base)
		if err != nil {
			t.Fatalf("view %d: %v", want, err)
		}
		if out.ViewCount != want {
			t.Fatalf("view %d: view_count = %d", want, out.ViewCount)
		}
		if out.Content != "content of seq" {
			t.Fatalf("view %d: content = %q", want, out.Content)
		}
	}
	if _, err := s.ConsumeView(context.Background(), "seq", base); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("third view err = %v, want ErrNotFound", err)
	}
	out, err := s.Get(context.Background(), "seq")
	if err != nil {
		t.Fatalf("get exhausted: %v", err)
	}
	if out.ViewCount != 2 {
		t.Fatalf("rejected view changed view_count to %d", out.ViewCount)
	}
}

func testConsumeConcurrent(t *testing.T, s storage.Store) {
	const (
		maxViews = 3
		readers  = 10
	)
	mustInsert(t, s, newPaste("race", nil, intPtr(maxViews)))

	var ok, missing atomic.Int32
	var g errgroup.Group
	for i := 0; i < readers; i++ {
		g.Go(func() error {
			_, err := s.ConsumeView(context.Background(), "race", base)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, storage.ErrNotFound):
				missing.Add(1)
			default:
				return fmt.Errorf("unexpected consume error: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if ok.Load() != maxViews {
		t.Fatalf("successful views = %d, want %d", ok.Load(), maxViews)
	}
	if missing.Load() != readers-maxViews {
		t.Fatalf("rejected views = %d, want %d", missing.Load(), readers-maxViews)
	}
}

func testExpiryBoundary(t *testing.T, s storage.Store) {
	mustInsert(t, s, newPaste("ttl", intPtr(60), nil))
	expiry := base.Add(60 * time.Second)

	if _, err := s.ConsumeView(context.Background(), "ttl", expiry.Add(-time.Millisecond)); err != nil {
		t.Fatalf("view before expiry: %v", err)
	}
	if _, err := s.ConsumeView(context.Background(), "ttl", expiry); err != nil {
		t.Fatalf("view exactly at expiry: %v", err)
	}
	if _, err := s.ConsumeView(context.Background(), "ttl", expiry.Add(time.Millisecond)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("view after expiry err = %v, want ErrNotFound", err)
	}
}

func testUnlimited(t *testing.T, s storage.Store) {
	mustInsert(t, s, newPaste("free", nil, nil))
	far := base.Add(10 * 365 * 24 * time.Hour)
	for i := 1; i <= 25; i++ {
		out, err := s.ConsumeView(context.Background(), "free", far)
		if err != nil {
			t.Fatalf("view %d: %v", i, err)
		}
		if out.ViewCount != i {
			t.Fatalf("view %d: view_count = %d", i, out.ViewCount)
		}
	}
}

func testExpiredNotIncremented(t *testing.T, s storage.Store) {
	mustInsert(t, s, newPaste("stale", intPtr(1), intPtr(5)))
	late := base.Add(2 * time.Second)
	for i := 0; i < 3; i++ {
		if _, err := s.ConsumeView(context.Background(), "stale", late); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expired view err = %v", err)
		}
	}
	out, err := s.Get(context.Background(), "stale")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return // backend already reclaimed the record
		}
		t.Fatalf("get: %v", err)
	}
	if out.ViewCount != 0 {
		t.Fatalf("expired reads incremented view_count to %d", out.ViewCount)
	}
}

func testDeleteExpired(t *testing.T, s storage.Store) {
	mustInsert(t, s, newPaste("alive", intPtr(3600), nil))
	mustInsert(t, s, newPaste("dead", intPtr(1), nil))
	mustInsert(t, s, newPaste("forever", nil, nil))
	mustInsert(t, s, newPaste("edge", intPtr(60), nil))

	// "edge" expires exactly at the cutoff and is still readable there.
	removed, err := s.DeleteExpired(context.Background(), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(context.Background(), "dead"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired paste still present: %v", err)
	}
	for _, id := range []string{"alive", "forever", "edge"} {
		if _, err := s.Get(context.Background(), id); err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
	}
}

func testPing(t *testing.T, s storage.Store) {
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
