package importer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bartek5186/catsync/internal/category"
	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/fingerprint"
	"github.com/bartek5186/catsync/internal/pricing"
	"github.com/bartek5186/catsync/internal/snapshot"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// failure becomes one sync_errors row.
type failure struct {
	code     string
	category string
	message  string
	trace    string
}

type batchResult struct {
	processed     int
	created       int
	updated       int
	unchanged     int
	failed        int
	missingAssets int
	failures      []failure
	aborted       error
}

// applyBatch applies recs inside one transaction. Item errors are collected
// and skipped; a persistence error rolls the whole batch back and reports
// every item in it as failed.
func (i *Importer) applyBatch(ctx context.Context, log zerolog.Logger, cfg RunConfig, src *db.IntegrationSource,
	cats *category.Resolver, recs []snapshot.Record) batchResult {

	var (
		br    batchResult
		files fileSet
	)

	tx := i.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return abortBatch(recs, persistErr(tx.Error))
	}
	defer tx.Rollback()

	store := category.NewGormStore(tx, src.ID)
	for _, rec := range recs {
		out, err := i.applyItem(ctx, log, tx, store, cats, cfg, src, rec, &files)
		if err != nil {
			var ie *ItemError
			if errors.As(err, &ie) {
				br.failed++
				br.failures = append(br.failures, failure{code: ie.Code, category: ie.Category, message: ie.Err.Error()})
				log.Warn().Err(ie.Err).Str("item", ie.Code).Str("category", ie.Category).Msg("item skipped")
				continue
			}
			files.discard(ctx, i.storage(), log)
			return abortBatch(recs, err)
		}

		br.processed++
		switch out.decision {
		case fingerprint.Create:
			br.created++
		case fingerprint.Update:
			br.updated++
		default:
			br.unchanged++
		}
		br.missingAssets += out.missing
		br.failures = append(br.failures, out.imageFailures...)
	}

	if err := tx.Commit().Error; err != nil {
		files.discard(ctx, i.storage(), log)
		return abortBatch(recs, persistErr(err))
	}
	files.release(ctx, i.db, i.storage(), log)
	return br
}

func abortBatch(recs []snapshot.Record, err error) batchResult {
	br := batchResult{failed: len(recs), aborted: err}
	for _, rec := range recs {
		code := ""
		if it, derr := snapshot.Decode(rec); derr == nil {
			code = it.Code
		}
		br.failures = append(br.failures, failure{
			code:     code,
			category: db.ErrCatPersistence,
			message:  err.Error(),
		})
	}
	return br
}

type itemOutcome struct {
	decision      fingerprint.Decision
	missing       int
	imageFailures []failure
}

func (i *Importer) applyItem(ctx context.Context, log zerolog.Logger, tx *gorm.DB, store category.Store,
	cats *category.Resolver, cfg RunConfig, src *db.IntegrationSource, rec snapshot.Record, files *fileSet) (itemOutcome, error) {

	var out itemOutcome
	it, err := snapshot.Decode(rec)
	if err != nil {
		return out, &ItemError{Code: it.Code, Category: db.ErrCatItem, Err: err}
	}

	var prior db.CatalogItem
	found := true
	if err := tx.Where("code = ?", it.Code).Take(&prior).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return out, persistErr(err)
		}
		found = false
	}

	catID, err := cats.Resolve(ctx, store, it.Category)
	if err != nil {
		if errors.Is(err, category.ErrUnresolvable) {
			return out, &ItemError{Code: it.Code, Category: db.ErrCatCategory, Err: err}
		}
		return out, persistErr(err)
	}

	pr := pricing.Resolve(it.Prices, it.Stocks, itemOverrides(prior, it.PriceOverride, it.StockOverride), cfg.Defaults)
	fp := fingerprint.Compute(fingerprint.Input{
		Name:        it.Name,
		Price:       pr.Price,
		Stock:       pr.Stock,
		InStock:     pr.InStock,
		Description: it.Description,
		Weight:      it.Weight,
		Category:    it.Category.Path(),
		Barcodes:    it.Barcodes,
	})

	var state *fingerprint.Prior
	if found {
		state = &fingerprint.Prior{SourceID: deref(prior.SourceID), Visible: prior.Visible, Fingerprint: prior.Fingerprint}
	}
	out.decision = fingerprint.Decide(state, src.ID, fp)

	itemID := prior.ID
	switch out.decision {
	case fingerprint.Create:
		row := db.CatalogItem{Code: it.Code}
		applyFields(&row, it, cfg, src.ID, catID, pr, fp, i.now())
		if err := tx.Create(&row).Error; err != nil {
			return out, persistErr(err)
		}
		itemID = row.ID
		log.Debug().Str("item", it.Code).Msg("item created")

	case fingerprint.Update:
		if prior.SourceID != nil && *prior.SourceID != src.ID {
			log.Warn().Str("item", it.Code).Uint("from_source", *prior.SourceID).Msg("item re-homed to this source")
		}
		row := prior
		applyFields(&row, it, cfg, src.ID, catID, pr, fp, i.now())
		if err := tx.Model(&db.CatalogItem{}).Where("id = ?", prior.ID).Updates(updateMap(row)).Error; err != nil {
			return out, persistErr(err)
		}
		log.Debug().Str("item", it.Code).Msg("item updated")

	case fingerprint.Unchanged:
		// same resolved values, but the stored selectors must follow the snapshot
		snapPrice, snapStock := strings.TrimSpace(it.PriceOverride), strings.TrimSpace(it.StockOverride)
		if prior.SnapshotPriceCode != snapPrice || prior.SnapshotStockCode != snapStock {
			if err := tx.Model(&db.CatalogItem{}).Where("id = ?", prior.ID).Updates(map[string]any{
				"snapshot_price_code": snapPrice,
				"snapshot_stock_code": snapStock,
			}).Error; err != nil {
				return out, persistErr(err)
			}
		}
	}

	if cfg.FullMode() && cfg.MediaRoot != "" {
		fails, missing, err := i.reconcileImages(ctx, log, tx, itemID, it, cfg.MediaRoot, files)
		if err != nil {
			return out, err
		}
		out.imageFailures, out.missing = fails, missing
	}
	return out, nil
}

func applyFields(row *db.CatalogItem, it snapshot.Item, cfg RunConfig, sourceID, catID uint,
	pr pricing.Result, fp string, now time.Time) {

	sid := sourceID
	row.SourceID = &sid
	row.CategoryID = nil
	if catID != 0 {
		cid := catID
		row.CategoryID = &cid
	}
	row.Article = it.Article
	row.Name = it.Name
	row.Description = it.Description
	row.Brand = it.Brand
	row.Weight = it.Weight
	row.IsWeighted = it.IsWeighted
	row.Barcodes = strings.Join(it.Barcodes, ", ")
	row.SeoTitle = it.SeoTitle
	row.SeoDescription = it.SeoDescription
	row.Price = pr.Price
	row.Currency = cfg.Currency
	row.Unit = firstNonEmpty(it.Unit, row.Unit, cfg.DefaultUnit)
	row.StockQuantity = pr.Stock
	row.InStock = pr.InStock
	row.SnapshotPriceCode = strings.TrimSpace(it.PriceOverride)
	row.SnapshotStockCode = strings.TrimSpace(it.StockOverride)
	row.PricesData = jsonList(it.Prices)
	row.StocksData = jsonList(it.Stocks)
	row.Fingerprint = fp
	ts := now
	row.LastSyncedAt = &ts
	row.Visible = true
}

// updateMap lists every synced column so zero values are written too.
func updateMap(row db.CatalogItem) map[string]any {
	return map[string]any{
		"source_id":           row.SourceID,
		"category_id":         row.CategoryID,
		"article":             row.Article,
		"name":                row.Name,
		"description":         row.Description,
		"brand":               row.Brand,
		"weight":              row.Weight,
		"is_weighted":         row.IsWeighted,
		"barcodes":            row.Barcodes,
		"seo_title":           row.SeoTitle,
		"seo_description":     row.SeoDescription,
		"price":               row.Price,
		"currency":            row.Currency,
		"unit":                row.Unit,
		"stock_quantity":      row.StockQuantity,
		"in_stock":            row.InStock,
		"prices_data":         row.PricesData,
		"stocks_data":         row.StocksData,
		"snapshot_price_code": row.SnapshotPriceCode,
		"snapshot_stock_code": row.SnapshotStockCode,
		"fingerprint":         row.Fingerprint,
		"last_synced_at":      row.LastSyncedAt,
		"visible":             row.Visible,
	}
}

func jsonList[T any](v []T) datatypes.JSON {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(b)
}

// itemOverrides puts the operator's selection ahead of the snapshot's.
func itemOverrides(it db.CatalogItem, snapPrice, snapStock string) pricing.Overrides {
	return pricing.Overrides{
		PriceCode: firstNonEmpty(it.SelectedPriceCode, snapPrice),
		StockCode: firstNonEmpty(it.SelectedStockCode, snapStock),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func deref(p *uint) uint {
	if p == nil {
		return 0
	}
	return *p
}
