package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom(nil, envMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreBolt || cfg.Addr != ":8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.TestMode {
		t.Fatalf("test mode must be off by default")
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pastelite.toml")
	file := `
addr = ":7000"
store = "sqlite"
data_path = "/tmp/from-file.db"
max_bytes = 2048
store_timeout = "2s"
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := envMap(map[string]string{
		"PASTELITE_CONFIG":    path,
		"PASTELITE_ADDR":      ":7100",
		"PASTELITE_MAX_BYTES": "4096",
	})
	cfg, err := LoadFrom([]string{"-addr", ":7200"}, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7200" {
		t.Fatalf("flag should win, addr = %s", cfg.Addr)
	}
	if cfg.MaxBytes != 4096 {
		t.Fatalf("env should beat file, max_bytes = %d", cfg.MaxBytes)
	}
	if cfg.Store != StoreSQLite || cfg.DataPath != "/tmp/from-file.db" {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.StoreTimeout != 2*time.Second {
		t.Fatalf("store_timeout = %v", cfg.StoreTimeout)
	}
	if cfg.ConfigPath != path {
		t.Fatalf("config path = %q", cfg.ConfigPath)
	}
}

func TestTestModeEnv(t *testing.T) {
	for _, key := range []string{"TEST_MODE", "PASTELITE_TEST_MODE"} {
		cfg, err := LoadFrom(nil, envMap(map[string]string{key: "1"}))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !cfg.TestMode {
			t.Fatalf("%s=1 did not enable test mode", key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown store", []string{"-store", "cassandra"}},
		{"redis without url", []string{"-store", "redis"}},
		{"mongo without uri", []string{"-store", "mongo"}},
		{"zero max bytes", []string{"-max-bytes", "0"}},
		{"short ids", []string{"-id-length", "4"}},
		{"relative base url", []string{"-base-url", "example.com"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFrom(tc.args, envMap(nil)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestBadEnvNumber(t *testing.T) {
	if _, err := LoadFrom(nil, envMap(map[string]string{"PASTELITE_MAX_BYTES": "lots"})); err == nil {
		t.Fatalf("expected error for non-numeric PASTELITE_MAX_BYTES")
	}
}
