package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"pastebin-lite/internal/config"
	"pastebin-lite/internal/storage/boltstore"
	"pastebin-lite/internal/storage/memstore"
	"pastebin-lite/internal/storage/sqlitestore"
)

func TestOpenLocalBackends(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store = config.StoreBolt
	cfg.DataPath = filepath.Join(dir, "bolt.db")
	s, err := Open(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	if _, ok := s.(*boltstore.Store); !ok {
		t.Fatalf("bolt config returned %T", s)
	}
	s.Close()

	cfg.Store = config.StoreSQLite
	cfg.DataPath = filepath.Join(dir, "pastes.sqlite")
	s, err = Open(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, ok := s.(*sqlitestore.Store); !ok {
		t.Fatalf("sqlite config returned %T", s)
	}
	s.Close()

	cfg.Store = config.StoreMemory
	s, err = Open(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*memstore.Store); !ok {
		t.Fatalf("memory config returned %T", s)
	}
}

func TestOpenUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Store = "floppy"
	if _, err := Open(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown store")
	}
}
