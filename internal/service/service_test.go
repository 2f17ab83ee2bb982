package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pastebin-lite/internal/id"
	"pastebin-lite/internal/storage"
	"pastebin-lite/internal/storage/memstore"
)

func intPtr(v int) *int { return &v }

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

func newService(t *testing.T, store storage.Store) *Service {
	t.Helper()
	svc, err := New(Config{
		Store:  store,
		IDs:    id.New(12),
		Clock:  func() time.Time { return t0 },
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestCreateValidation(t *testing.T) {
	svc := newService(t, memstore.New())
	tests := []struct {
		name  string
		in    CreateParams
		field string
		msg   string
	}{
		{"empty", CreateParams{Content: ""}, FieldContent, msgContent},
		{"blank", CreateParams{Content: " \n\t "}, FieldContent, msgContent},
		{"zero ttl", CreateParams{Content: "x", TTLSeconds: intPtr(0)}, FieldTTLSeconds, msgTTLSeconds},
		{"negative ttl", CreateParams{Content: "x", TTLSeconds: intPtr(-5)}, FieldTTLSeconds, msgTTLSeconds},
		{"zero views", CreateParams{Content: "x", MaxViews: intPtr(0)}, FieldMaxViews, msgMaxViews},
		{"negative views", CreateParams{Content: "x", MaxViews: intPtr(-1)}, FieldMaxViews, msgMaxViews},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field || verr.Message != tc.msg {
				t.Fatalf("got %s %q, want %s %q", verr.Field, verr.Message, tc.field, tc.msg)
			}
			if Kind(err) != KindValidation {
				t.Fatalf("Kind = %s", Kind(err))
			}
		})
	}
}

func TestCreateTooLarge(t *testing.T) {
	svc, err := New(Config{Store: memstore.New(), MaxBytes: 4, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = svc.Create(context.Background(), CreateParams{Content: "12345"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != FieldContent {
		t.Fatalf("expected content validation error, got %v", err)
	}
}

func TestCreateStampsTimes(t *testing.T) {
	svc := newService(t, memstore.New())
	now := t0.Add(1234567 * time.Nanosecond)
	p, err := svc.CreateAt(context.Background(), CreateParams{Content: "hello", TTLSeconds: intPtr(60)}, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !p.CreatedAt.Equal(now.Truncate(time.Millisecond)) {
		t.Fatalf("created_at = %v", p.CreatedAt)
	}
	if p.ExpiresAt == nil || !p.ExpiresAt.Equal(p.CreatedAt.Add(time.Minute)) {
		t.Fatalf("expires_at = %v", p.ExpiresAt)
	}
	if p.ViewCount != 0 {
		t.Fatalf("view_count = %d", p.ViewCount)
	}
	if len(p.ID) != 12 {
		t.Fatalf("id %q has wrong length", p.ID)
	}
}

// Scenario: view-limited paste served exactly twice.
func TestScenarioMaxViews(t *testing.T) {
	svc := newService(t, memstore.New())
	p, err := svc.Create(context.Background(), CreateParams{Content: "hello", MaxViews: intPtr(2)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r1, err := svc.Retrieve(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if r1.Content != "hello" || r1.RemainingViews == nil || *r1.RemainingViews != 1 || r1.ExpiresAt != nil {
		t.Fatalf("first read = %+v", r1)
	}
	r2, err := svc.Retrieve(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if *r2.RemainingViews != 0 || r2.Content != "hello" {
		t.Fatalf("second read = %+v", r2)
	}
	if _, err := svc.Retrieve(context.Background(), p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("third read err = %v", err)
	}
}

// Scenario: timed paste, read just before expiry and just after.
func TestScenarioTTL(t *testing.T) {
	svc := newService(t, memstore.New())
	p, err := svc.Create(context.Background(), CreateParams{Content: "x", TTLSeconds: intPtr(60)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r, err := svc.RetrieveAt(context.Background(), p.ID, t0.Add(59*time.Second))
	if err != nil {
		t.Fatalf("read at +59s: %v", err)
	}
	if r.RemainingViews != nil || r.ExpiresAt == nil || !r.ExpiresAt.Equal(t0.Add(60*time.Second)) {
		t.Fatalf("read at +59s = %+v", r)
	}
	if _, err := svc.RetrieveAt(context.Background(), p.ID, t0.Add(60*time.Second)); err != nil {
		t.Fatalf("read exactly at expiry: %v", err)
	}
	if _, err := svc.RetrieveAt(context.Background(), p.ID, t0.Add(61*time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read at +61s err = %v", err)
	}
}

// Scenario: both limits, the first to trigger wins.
func TestScenarioBothLimits(t *testing.T) {
	svc := newService(t, memstore.New())
	p, err := svc.Create(context.Background(), CreateParams{Content: "x", TTLSeconds: intPtr(100), MaxViews: intPtr(5)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r, err := svc.RetrieveAt(context.Background(), p.ID, t0.Add(10*time.Second))
	if err != nil {
		t.Fatalf("read at +10s: %v", err)
	}
	if *r.RemainingViews != 4 {
		t.Fatalf("remaining = %d, want 4", *r.RemainingViews)
	}
	if _, err := svc.RetrieveAt(context.Background(), p.ID, t0.Add(101*time.Second)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read after expiry err = %v", err)
	}
}

// Scenario: concurrent readers on a single-view paste.
func TestScenarioConcurrentSingleView(t *testing.T) {
	svc := newService(t, memstore.New())
	p, err := svc.Create(context.Background(), CreateParams{Content: "once", MaxViews: intPtr(1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const readers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Retrieve(context.Background(), p.ID)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				if *r.RemainingViews != 0 {
					t.Errorf("winner saw remaining %d", *r.RemainingViews)
				}
				return
			}
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("successful reads = %d, want 1", success)
	}
}

func TestMalformedIDNotFound(t *testing.T) {
	svc := newService(t, memstore.New())
	for _, bad := range []string{"", "short", "has/slash/in", "abcdefghijk!"} {
		if _, err := svc.Retrieve(context.Background(), bad); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Retrieve(%q) err = %v", bad, err)
		}
		if _, err := svc.Lookup(context.Background(), bad, t0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Lookup(%q) err = %v", bad, err)
		}
	}
}

func TestLookupDoesNotConsume(t *testing.T) {
	store := memstore.New()
	svc := newService(t, store)
	p, err := svc.Create(context.Background(), CreateParams{Content: "x", MaxViews: intPtr(1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Lookup(context.Background(), p.ID, t0); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}
	if _, err := svc.Retrieve(context.Background(), p.ID); err != nil {
		t.Fatalf("retrieve after lookups: %v", err)
	}
	if _, err := svc.Lookup(context.Background(), p.ID, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup of exhausted paste err = %v", err)
	}
}

type conflictingStore struct {
	*memstore.Store
	conflicts int
	seen      []string
}

func (c *conflictingStore) Insert(ctx context.Context, p *storage.Paste) (string, error) {
	c.seen = append(c.seen, p.ID)
	if c.conflicts > 0 {
		c.conflicts--
		return "", storage.ErrConflict
	}
	return c.Store.Insert(ctx, p)
}

func TestCreateRetriesOnConflict(t *testing.T) {
	store := &conflictingStore{Store: memstore.New(), conflicts: 2}
	svc := newService(t, store)
	p, err := svc.Create(context.Background(), CreateParams{Content: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(store.seen) != 3 || store.seen[2] != p.ID {
		t.Fatalf("expected three attempts ending in %s, got %v", p.ID, store.seen)
	}
	if store.seen[0] == store.seen[1] {
		t.Fatalf("id was not regenerated between attempts")
	}

	store = &conflictingStore{Store: memstore.New(), conflicts: 100}
	svc = newService(t, store)
	if _, err := svc.Create(context.Background(), CreateParams{Content: "x"}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict after exhausting attempts, got %v", err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	store := memstore.New()
	svc := newService(t, store)
	p, err := svc.Create(context.Background(), CreateParams{Content: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.Close()

	_, err = svc.Retrieve(context.Background(), p.ID)
	if !errors.Is(err, ErrUnavailable) || Kind(err) != KindUnavailable {
		t.Fatalf("retrieve on closed store err = %v kind %s", err, Kind(err))
	}
	_, err = svc.Create(context.Background(), CreateParams{Content: "y"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("create on closed store err = %v", err)
	}
}

func TestParseOptionalInt(t *testing.T) {
	tests := []struct {
		raw     string
		want    *int
		wantErr bool
	}{
		{"", nil, false},
		{"5", intPtr(5), false},
		{"5.0", intPtr(5), false},
		{"1e3", intPtr(1000), false},
		{"-2", intPtr(-2), false},
		{"0", intPtr(0), false},
		{"1.5", nil, true},
		{`"5"`, nil, true},
		{"null", nil, true},
		{"true", nil, true},
		{"[1]", nil, true},
		{"1e30", nil, true},
	}
	for _, tc := range tests {
		got, err := ParseOptionalInt(FieldTTLSeconds, json.RawMessage(tc.raw))
		if tc.wantErr {
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Message != msgTTLSeconds {
				t.Fatalf("ParseOptionalInt(%s) err = %v, want ttl validation error", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseOptionalInt(%s): %v", tc.raw, err)
		}
		if (got == nil) != (tc.want == nil) || (got != nil && *got != *tc.want) {
			t.Fatalf("ParseOptionalInt(%s) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestParseContent(t *testing.T) {
	if s, err := ParseContent(json.RawMessage(`"hi <b>"`)); err != nil || s != "hi <b>" {
		t.Fatalf("ParseContent string = %q, %v", s, err)
	}
	for _, raw := range []string{"", "null", "42", `{"a":1}`} {
		if _, err := ParseContent(json.RawMessage(raw)); err == nil {
			t.Fatalf("ParseContent(%s) accepted non-string", raw)
		}
	}
}

func TestParseFormInt(t *testing.T) {
	if v, err := ParseFormInt(FieldMaxViews, " 3 "); err != nil || *v != 3 {
		t.Fatalf("ParseFormInt = %v, %v", v, err)
	}
	if v, err := ParseFormInt(FieldMaxViews, ""); err != nil || v != nil {
		t.Fatalf("blank form value = %v, %v", v, err)
	}
	if _, err := ParseFormInt(FieldMaxViews, "2.5"); err == nil {
		t.Fatalf("fractional form value accepted")
	}
}

// Scenario: no limits, every read succeeds and reports no remaining count.
func TestScenarioUnlimited(t *testing.T) {
	svc := newService(t, memstore.New())
	p, err := svc.Create(context.Background(), CreateParams{Content: "forever"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ExpiresAt != nil || p.MaxViews != nil {
		t.Fatalf("unlimited paste got limits: %+v", p)
	}
	for i := 0; i < 1000; i++ {
		r, err := svc.RetrieveAt(context.Background(), p.ID, t0.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if r.RemainingViews != nil || r.ExpiresAt != nil {
			t.Fatalf("read %d = %+v", i, r)
		}
	}
}

// Scenario: ten concurrent readers against three allowed views.
func TestScenarioConcurrentLimit(t *testing.T) {
	svc := newService(t, memstore.New())
	p, err := svc.Create(context.Background(), CreateParams{Content: "three", MaxViews: intPtr(3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		served    int
		notFound  int
		remaining = map[int]bool{}
	)
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, err := svc.Retrieve(context.Background(), p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				served++
				remaining[*r.RemainingViews] = true
			case errors.Is(err, ErrNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if served != 3 || notFound != 7 {
		t.Fatalf("served %d, not found %d", served, notFound)
	}
	for _, want := range []int{0, 1, 2} {
		if !remaining[want] {
			t.Fatalf("no reader saw remaining_views %d: %v", want, remaining)
		}
	}
}

func TestExpiryNotRoundedAway(t *testing.T) {
	svc := newService(t, memstore.New())
	p, err := svc.Create(context.Background(), CreateParams{Content: "x", TTLSeconds: intPtr(60)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, late := range []time.Duration{time.Microsecond, 900 * time.Microsecond} {
		if _, err := svc.Lookup(context.Background(), p.ID, p.ExpiresAt.Add(late)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("lookup %v past expiry err = %v", late, err)
		}
		if _, err := svc.RetrieveAt(context.Background(), p.ID, p.ExpiresAt.Add(late)); !errors.Is(err, ErrNotFound) {
			t.Fatalf("read %v past expiry err = %v", late, err)
		}
	}
	if _, err := svc.RetrieveAt(context.Background(), p.ID, *p.ExpiresAt); err != nil {
		t.Fatalf("read at expiry: %v", err)
	}
}
