package importer

import (
	"context"

	"github.com/bartek5186/catsync/internal/db"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const (
	sweepChunk   = 500
	maxDbgHidden = 10
)

// sweep hides items and categories of src that the snapshot no longer lists.
// Nothing is deleted. An empty code set hides nothing: a snapshot without
// items is treated as a broken export rather than an empty catalog.
func (i *Importer) sweep(ctx context.Context, log zerolog.Logger, src *db.IntegrationSource, itemCodes, catCodes []string) (int, int, error) {
	if len(itemCodes) == 0 {
		log.Warn().Msg("sweep: snapshot has no item codes, skipped")
		return 0, 0, nil
	}

	tx := i.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, 0, persistErr(tx.Error)
	}
	defer tx.Rollback()

	var items []struct {
		ID   uint
		Code string
	}
	if err := tx.Model(&db.CatalogItem{}).
		Select("id", "code").
		Where("source_id = ? AND visible = ?", src.ID, true).
		Find(&items).Error; err != nil {
		return 0, 0, persistErr(err)
	}
	seen := toSet(itemCodes)
	var hideItems []uint
	for _, it := range items {
		if seen[it.Code] {
			continue
		}
		if len(hideItems) < maxDbgHidden {
			log.Info().Str("item", it.Code).Msg("sweep: item no longer exported, hidden")
		}
		hideItems = append(hideItems, it.ID)
	}
	if err := hideByID(tx, &db.CatalogItem{}, hideItems); err != nil {
		return 0, 0, persistErr(err)
	}

	var hideCats []uint
	if len(catCodes) > 0 {
		var cats []struct {
			ID           uint
			ExternalCode string
		}
		if err := tx.Model(&db.CategoryNode{}).
			Select("id", "external_code").
			Where("source_id = ? AND visible = ? AND external_code IS NOT NULL", src.ID, true).
			Find(&cats).Error; err != nil {
			return 0, 0, persistErr(err)
		}
		known := toSet(catCodes)
		for _, c := range cats {
			if known[c.ExternalCode] {
				continue
			}
			if len(hideCats) < maxDbgHidden {
				log.Info().Str("category", c.ExternalCode).Msg("sweep: category no longer exported, hidden")
			}
			hideCats = append(hideCats, c.ID)
		}
		if err := hideByID(tx, &db.CategoryNode{}, hideCats); err != nil {
			return 0, 0, persistErr(err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return 0, 0, persistErr(err)
	}
	if len(hideItems) > 0 || len(hideCats) > 0 {
		log.Info().Int("items", len(hideItems)).Int("categories", len(hideCats)).Msg("sweep finished")
	}
	return len(hideItems), len(hideCats), nil
}

func hideByID(tx *gorm.DB, model any, ids []uint) error {
	for start := 0; start < len(ids); start += sweepChunk {
		end := min(start+sweepChunk, len(ids))
		if err := tx.Model(model).Where("id IN ?", ids[start:end]).Update("visible", false).Error; err != nil {
			return err
		}
	}
	return nil
}

func toSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}
