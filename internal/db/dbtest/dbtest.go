// Package dbtest opens throwaway migrated databases for package tests.
package dbtest

import (
	"testing"

	"github.com/bartek5186/catsync/internal/db"
)

// Open returns a migrated pure-Go sqlite database living in t.TempDir().
func Open(t testing.TB) *db.Handle {
	t.Helper()
	h, err := db.Open(t.TempDir(), "sqlite-pure", "test.db")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := h.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// Source inserts an active, idle source with the given code.
func Source(t testing.TB, h *db.Handle, code string) *db.IntegrationSource {
	t.Helper()
	src := &db.IntegrationSource{
		Code:                code,
		Name:                code,
		Encoding:            "utf-8",
		Active:              true,
		Visible:             true,
		ImportStatus:        db.StatusIdle,
		DataIntervalMinutes: 5,
		FullIntervalMinutes: 60,
	}
	if err := h.DB.Create(src).Error; err != nil {
		t.Fatalf("create source %s: %v", code, err)
	}
	return src
}
