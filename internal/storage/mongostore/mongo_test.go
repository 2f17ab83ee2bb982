package mongostore

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"pastebin-lite/internal/storage"
	"pastebin-lite/internal/storage/storetest"
)

var collectionSeq atomic.Int64

func TestContract(t *testing.T) {
	uri := os.Getenv("PASTELITE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PASTELITE_TEST_MONGO_URI not set")
	}
	storetest.Run(t, func(t *testing.T) storage.Store {
		name := fmt.Sprintf("pastes_test_%d_%d", time.Now().UnixNano(), collectionSeq.Add(1))
		store, err := Open(context.Background(), Options{
			URI:          uri,
			Database:     "pastelite_test",
			Collection:   name,
			Timeout:      5 * time.Second,
			ReclaimGrace: time.Hour,
		})
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = store.collection.Drop(context.Background()) })
		return store
	})
}

func TestDocumentRoundTrip(t *testing.T) {
	ttl, max := 30, 4
	created := time.UnixMilli(1_700_000_000_000).UTC()
	at := created.Add(30 * time.Second)
	p := &storage.Paste{ID: "abc", Content: "hi", CreatedAt: created, TTLSeconds: &ttl, ExpiresAt: &at, MaxViews: &max, ViewCount: 2}

	doc := toDocument(p, time.Hour)
	if doc.ReclaimAt == nil || !doc.ReclaimAt.Equal(at.Add(time.Hour)) {
		t.Fatalf("reclaim_at = %v, want expiry plus grace", doc.ReclaimAt)
	}
	out := doc.paste()
	if out.ID != p.ID || out.Content != p.Content || out.ViewCount != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.ExpiresAt == nil || !out.ExpiresAt.Equal(at) {
		t.Fatalf("expires_at = %v", out.ExpiresAt)
	}

	plain := toDocument(&storage.Paste{ID: "x", Content: "y", CreatedAt: created}, time.Hour)
	if plain.ReclaimAt != nil || plain.ExpiresAt != nil {
		t.Fatalf("paste without ttl got reclaim fields: %+v", plain)
	}
}
