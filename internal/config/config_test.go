package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chronicle/studio/internal/diff"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := map[string]any{
		"addr":     cfg.Server.Addr,
		"backend":  cfg.Store.Backend,
		"redisTTL": cfg.Redis.TTL,
		"pageSize": cfg.History.PageSize,
		"viewTTL":  cfg.History.ViewTTL,
		"arrays":   cfg.Diff.Arrays,
		"keyField": cfg.Diff.KeyField,
	}
	want := map[string]any{
		"addr":     ":8787",
		"backend":  BackendGit,
		"redisTTL": 24 * time.Hour,
		"pageSize": 50,
		"viewTTL":  30 * time.Minute,
		"arrays":   "positional",
		"keyField": diff.DefaultKeyField,
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", d)
	}
	if cfg.Redis.URL != "" || cfg.Archive.Endpoint != "" {
		t.Fatalf("optional tiers must default to disabled, got redis=%q archive=%q", cfg.Redis.URL, cfg.Archive.Endpoint)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "studio.toml")
	content := `
[server]
addr = ":9000"

[store]
backend = "postgres"

[history]
pagesize = 20

[diff]
arrays = "content"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STUDIO_SERVER_ADDR", ":9100")
	t.Setenv("STUDIO_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("STUDIO_REDIS_TTL", "2h")
	t.Setenv("STUDIO_ARCHIVE_SSL", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Fatalf("environment should override the file, got addr %q", cfg.Server.Addr)
	}
	if cfg.Store.Backend != BackendPostgres || cfg.History.PageSize != 20 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Redis.URL != "redis://cache:6379/1" || cfg.Redis.TTL != 2*time.Hour || !cfg.Archive.SSL {
		t.Fatalf("environment values not applied: %+v", cfg)
	}
	matching, err := cfg.ArrayMatching()
	if err != nil || matching != diff.MatchContent {
		t.Fatalf("ArrayMatching() = %v, %v", matching, err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdir(t, t.TempDir())

	cases := map[string]string{
		"STUDIO_STORE_BACKEND":    "sqlite",
		"STUDIO_DIFF_ARRAYS":      "fuzzy",
		"STUDIO_HISTORY_PAGESIZE": "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
