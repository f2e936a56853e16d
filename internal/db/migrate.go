package db

import (
	"fmt"
)

// Migrate creates/updates the schema.
func (h *Handle) Migrate() error {
	gdb := h.DB

	if err := gdb.AutoMigrate(
		&IntegrationSource{},
		&CategoryNode{},
		&CatalogItem{},
		&ProductImage{},
		&SyncRun{},
		&SyncError{},
	); err != nil {
		return fmt.Errorf("AutoMigrate error: %w", err)
	}

	// image lookups always go item -> filename
	if !gdb.Migrator().HasIndex(&ProductImage{}, "idx_image_item_file") {
		if err := gdb.Exec(`
			CREATE INDEX IF NOT EXISTS idx_image_item_file
			ON product_images(item_id, original_filename);
		`).Error; err != nil {
			return fmt.Errorf("create index idx_image_item_file: %w", err)
		}
	}

	return nil
}
