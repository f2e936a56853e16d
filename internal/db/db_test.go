package db_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/db/dbtest"
)

const sourcesYAML = `
sources:
  - code: opt
    name: Wholesale
    snapshot_path: opt/goods.json
    media_path: opt/images
    default_price_type: Опт
    default_warehouse: Основной склад
    auto_sync: true
  - code: pp
    active: false
    data_interval_minutes: 15
`

func TestSeedSourcesUpsertsByCode(t *testing.T) {
	h := dbtest.Open(t)
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(sourcesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := h.SeedSources(path)
	if err != nil {
		t.Fatalf("SeedSources: %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded %d sources, want 2", n)
	}

	var opt db.IntegrationSource
	if err := h.DB.Where("code = ?", "opt").Take(&opt).Error; err != nil {
		t.Fatalf("load opt: %v", err)
	}
	if !opt.Active || !opt.AutoSync || opt.DefaultPriceType != "Опт" || opt.Encoding != "utf-8" {
		t.Fatalf("unexpected opt source: %+v", opt)
	}
	if opt.DataIntervalMinutes != 5 || opt.FullIntervalMinutes != 60 {
		t.Fatalf("interval defaults not applied: %d/%d", opt.DataIntervalMinutes, opt.FullIntervalMinutes)
	}

	// run state must survive a re-seed
	if err := h.DB.Model(&opt).Update("import_status", db.StatusFailed).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := h.SeedSources(path); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	var again db.IntegrationSource
	h.DB.Where("code = ?", "opt").Take(&again)
	if again.ImportStatus != db.StatusFailed {
		t.Fatalf("re-seed overwrote run status: %q", again.ImportStatus)
	}
	var count int64
	h.DB.Model(&db.IntegrationSource{}).Count(&count)
	if count != 2 {
		t.Fatalf("re-seed duplicated sources: %d", count)
	}

	var pp db.IntegrationSource
	h.DB.Where("code = ?", "pp").Take(&pp)
	if pp.Active || pp.DataIntervalMinutes != 15 {
		t.Fatalf("unexpected pp source: %+v", pp)
	}
}

func TestLoadSourceDefsMissingFile(t *testing.T) {
	defs, err := db.LoadSourceDefs(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil || len(defs) != 0 {
		t.Fatalf("missing file: defs=%v err=%v", defs, err)
	}
}

func TestLoadSourceDefsRejectsEmptyCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	os.WriteFile(path, []byte("sources:\n  - name: nameless\n"), 0o644)
	if _, err := db.LoadSourceDefs(path); err == nil {
		t.Fatalf("expected error for source without code")
	}
}

func TestSyncRunProgressPercent(t *testing.T) {
	r := db.SyncRun{Total: 3, Processed: 1}
	if got := r.ProgressPercent(); got != 33.33 {
		t.Fatalf("progress = %v, want 33.33", got)
	}
	r = db.SyncRun{Total: 100, Processed: 99, Failed: 1}
	if got := r.ProgressPercent(); got != 100 {
		t.Fatalf("progress = %v, want 100", got)
	}
	if got := (&db.SyncRun{}).ProgressPercent(); got != 0 {
		t.Fatalf("empty progress = %v", got)
	}
}

func TestScheduleDue(t *testing.T) {
	now := time.Now()
	s := db.IntegrationSource{}
	if !s.DataSyncDue(now) || !s.FullSyncDue(now) {
		t.Fatalf("source that never ran must be due")
	}
	later := now.Add(time.Minute)
	s.NextDataSync = &later
	if s.DataSyncDue(now) {
		t.Fatalf("future next_data_sync must not be due")
	}
	if s.DataInterval() != 5*time.Minute || s.FullInterval() != time.Hour {
		t.Fatalf("interval fallbacks wrong")
	}
}
