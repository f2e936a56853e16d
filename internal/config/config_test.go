package conf

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.json")

	cfg, firstRun, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !firstRun {
		t.Fatalf("expected first run")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.BatchSize != 100 || cfg.PollIntervalSeconds != 30 {
		t.Fatalf("unexpected defaults: batch=%d poll=%d", cfg.BatchSize, cfg.PollIntervalSeconds)
	}
	if cfg.Image.MaxDimension != 1200 || cfg.Image.JPEGQuality != 85 {
		t.Fatalf("unexpected image defaults: %+v", cfg.Image)
	}

	_, firstRun, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if firstRun {
		t.Fatalf("second load must not report first run")
	}
}

func TestLoadOrCreateReadsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	c := Default()
	c.BatchSize = 7
	c.Notifiers = map[string]map[string]any{
		"webhook": {"url": "http://localhost:9999/hook"},
	}
	if err := Save(path, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	t.Setenv("CATSYNC_DATABASE_DSN", "override.db")

	cfg, _, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.BatchSize != 7 {
		t.Fatalf("batch size from file = %d, want 7", cfg.BatchSize)
	}
	if cfg.Database.DSN != "override.db" {
		t.Fatalf("env override not applied: %q", cfg.Database.DSN)
	}

	raw, err := cfg.NotifierRaw("webhook")
	if err != nil {
		t.Fatalf("NotifierRaw: %v", err)
	}
	var hook struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &hook); err != nil || hook.URL != "http://localhost:9999/hook" {
		t.Fatalf("notifier raw = %s (%v)", raw, err)
	}
	if _, err := cfg.NotifierRaw("missing"); err == nil {
		t.Fatalf("expected error for unknown notifier")
	}
}

func TestResolve(t *testing.T) {
	c := &Config{DataDir: "/srv/goods"}
	if got := c.Resolve("opt/goods.json"); got != filepath.Join("/srv/goods", "opt/goods.json") {
		t.Fatalf("relative resolve = %q", got)
	}
	if got := c.Resolve("/abs/goods.json"); got != "/abs/goods.json" {
		t.Fatalf("absolute resolve = %q", got)
	}
}

func TestResolveRelativeDataDirFollowsConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg, _, err := LoadOrCreate(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if cfg.DataDir != "./goods_data" {
		t.Fatalf("data dir rewritten: %q", cfg.DataDir)
	}
	want := filepath.Join(dir, "goods_data", "opt", "goods.json")
	if got := cfg.Resolve("opt/goods.json"); got != want {
		t.Fatalf("resolve = %q, want %q", got, want)
	}
	if got := cfg.DataPath(); got != filepath.Join(dir, "goods_data") {
		t.Fatalf("data path = %q", got)
	}
}

