package importer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bartek5186/catsync/internal/category"
	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/fingerprint"
	"github.com/bartek5186/catsync/internal/pricing"
)

// Reresolve recomputes price and stock of src's items from their stored price
// and warehouse entries, without reading the snapshot. Used after an
// operator changes the source defaults or an item's overrides. codes limits
// it to the given items. Returns how many items changed.
func (i *Importer) Reresolve(ctx context.Context, src *db.IntegrationSource, defaults pricing.Defaults, codes ...string) (int, error) {
	log := i.log.With().Str("source", src.Code).Logger()

	cats := category.NewResolver(log)
	if err := cats.Reload(ctx, category.NewGormStore(i.db, src.ID)); err != nil {
		return 0, persistErr(err)
	}

	tx := i.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, persistErr(tx.Error)
	}
	defer tx.Rollback()

	q := tx.Where("source_id = ?", src.ID)
	if len(codes) > 0 {
		q = q.Where("code IN ?", codes)
	}
	var items []db.CatalogItem
	if err := q.Order("id").Find(&items).Error; err != nil {
		return 0, persistErr(err)
	}

	changed := 0
	for _, it := range items {
		var prices []pricing.PriceEntry
		var stocks []pricing.StockEntry
		if len(it.PricesData) > 0 {
			if err := json.Unmarshal(it.PricesData, &prices); err != nil {
				log.Warn().Err(err).Str("item", it.Code).Msg("stored price entries unreadable")
				continue
			}
		}
		if len(it.StocksData) > 0 {
			if err := json.Unmarshal(it.StocksData, &stocks); err != nil {
				log.Warn().Err(err).Str("item", it.Code).Msg("stored stock entries unreadable")
				continue
			}
		}

		pr := pricing.Resolve(prices, stocks, itemOverrides(it, it.SnapshotPriceCode, it.SnapshotStockCode), defaults)
		if pr.Price == it.Price && pr.Stock == it.StockQuantity && pr.InStock == it.InStock {
			continue
		}

		fp := fingerprint.Compute(fingerprint.Input{
			Name:        it.Name,
			Price:       pr.Price,
			Stock:       pr.Stock,
			InStock:     pr.InStock,
			Description: it.Description,
			Weight:      it.Weight,
			Category:    cats.Path(deref(it.CategoryID)),
			Barcodes:    splitBarcodes(it.Barcodes),
		})
		if err := tx.Model(&db.CatalogItem{}).Where("id = ?", it.ID).Updates(map[string]any{
			"price":          pr.Price,
			"stock_quantity": pr.Stock,
			"in_stock":       pr.InStock,
			"fingerprint":    fp,
		}).Error; err != nil {
			return 0, persistErr(err)
		}
		log.Debug().
			Str("item", it.Code).
			Float64("price", pr.Price).
			Str("price_rule", string(pr.PriceOrigin)).
			Float64("stock", pr.Stock).
			Str("stock_rule", string(pr.StockOrigin)).
			Msg("item re-resolved")
		changed++
	}

	if err := tx.Commit().Error; err != nil {
		return 0, persistErr(err)
	}
	log.Info().Int("items", len(items)).Int("changed", changed).Msg("re-resolve finished")
	return changed, nil
}

func splitBarcodes(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
