package importer

import (
	"context"
	"errors"

	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/media"
	"github.com/bartek5186/catsync/internal/snapshot"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

func (i *Importer) storage() media.Storage {
	if i.proc == nil {
		return nil
	}
	return i.proc.Storage
}

// fileSet tracks storage keys touched by one batch. Files are written before
// the transaction commits, so they have to be undone or released after it.
type fileSet struct {
	written []string // new files, removed if the batch rolls back
	dropped []string // keys of deleted records, removed after commit if unreferenced
}

func (f *fileSet) discard(ctx context.Context, st media.Storage, log zerolog.Logger) {
	if st == nil {
		return
	}
	for _, k := range f.written {
		if err := st.Delete(ctx, k); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("cannot remove image of rolled back batch")
		}
	}
	f.written, f.dropped = nil, nil
}

func (f *fileSet) release(ctx context.Context, gdb *gorm.DB, st media.Storage, log zerolog.Logger) {
	if st == nil {
		return
	}
	seen := map[string]bool{}
	for _, k := range f.dropped {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		var refs int64
		if err := gdb.WithContext(ctx).Model(&db.ProductImage{}).Where("storage_key = ?", k).Count(&refs).Error; err != nil {
			log.Warn().Err(err).Str("key", k).Msg("cannot check image references")
			continue
		}
		if refs > 0 {
			continue
		}
		if err := st.Delete(ctx, k); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("cannot remove replaced image")
		}
	}
	f.written, f.dropped = nil, nil
}

// reconcileImages brings the item's image records in line with the snapshot
// list. Record changes go through tx; failures to decode or store a single
// file are returned as image failures and do not fail the item.
func (i *Importer) reconcileImages(ctx context.Context, log zerolog.Logger, tx *gorm.DB, itemID uint,
	it snapshot.Item, root string, files *fileSet) ([]failure, int, error) {

	entries, skipped := media.Normalize(it.Images)
	if skipped > 0 {
		log.Warn().Str("item", it.Code).Int("skipped", skipped).Msg("image entries without a path")
	}

	assets, missing, err := media.Locate(root, entries)
	if err != nil {
		return []failure{{code: it.Code, category: db.ErrCatImage, message: err.Error()}}, 0, nil
	}
	for _, p := range missing {
		log.Warn().Str("item", it.Code).Str("path", p).Msg("image file not found")
	}

	var rows []db.ProductImage
	if err := tx.Where("item_id = ?", itemID).Order("id").Find(&rows).Error; err != nil {
		return nil, 0, persistErr(err)
	}
	existing := make([]media.Existing, 0, len(rows))
	for _, r := range rows {
		existing = append(existing, media.Existing{
			ID:         r.ID,
			Filename:   r.OriginalFilename,
			Hash:       r.ContentHash,
			IsMain:     r.IsMain,
			Order:      r.DisplayOrder,
			StorageKey: r.StorageKey,
		})
	}

	plan := media.Diff(assets, existing)
	if plan.Empty() {
		return nil, len(missing), nil
	}

	for _, b := range plan.Backfill {
		if err := tx.Model(&db.ProductImage{}).Where("id = ?", b.ID).Update("content_hash", b.Hash).Error; err != nil {
			return nil, 0, persistErr(err)
		}
	}
	for _, r := range plan.Reorder {
		if err := tx.Model(&db.ProductImage{}).Where("id = ?", r.ID).Update("display_order", r.Order).Error; err != nil {
			return nil, 0, persistErr(err)
		}
	}
	if len(plan.Delete) > 0 {
		ids := make([]uint, 0, len(plan.Delete))
		for _, d := range plan.Delete {
			ids = append(ids, d.ID)
			files.dropped = append(files.dropped, d.StorageKey)
			log.Info().Str("item", it.Code).Str("file", d.Filename).Msg("image record removed")
		}
		if err := tx.Where("id IN ?", ids).Delete(&db.ProductImage{}).Error; err != nil {
			return nil, 0, persistErr(err)
		}
	}

	var fails []failure
	gone := 0
	for _, a := range plan.Stage {
		if i.proc == nil {
			break
		}
		out, err := i.proc.Process(ctx, it.Code, a)
		if errors.Is(err, media.ErrAssetMissing) {
			log.Warn().Str("item", it.Code).Str("path", a.Path).Msg("image file vanished before processing")
			gone++
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("item", it.Code).Str("file", a.Filename()).Msg("image processing failed")
			fails = append(fails, failure{code: it.Code, category: db.ErrCatImage, message: err.Error()})
			continue
		}
		if out.Written {
			files.written = append(files.written, out.Key)
		}
		row := db.ProductImage{
			ItemID:           itemID,
			OriginalFilename: a.Filename(),
			ContentHash:      a.Hash,
			IsMain:           a.IsMain,
			DisplayOrder:     a.Order,
			StorageKey:       out.Key,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, 0, persistErr(err)
		}
		log.Info().Str("item", it.Code).Str("file", row.OriginalFilename).Str("key", out.Key).Msg("image stored")
	}
	return fails, len(missing) + gone, nil
}
