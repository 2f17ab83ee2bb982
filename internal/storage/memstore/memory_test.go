package memstore

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"pastebin-lite/internal/storage"
	"pastebin-lite/internal/storage/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := New()
	_ = s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("ping after close err = %v", err)
	}
	if _, err := s.Get(context.Background(), "x"); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("get after close err = %v", err)
	}
}
