package importer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bartek5186/catsync/internal/db"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxAuditSamples = 10

// audit check names
const (
	CheckNoCategory       = "items_without_category"
	CheckNonPositivePrice = "items_non_positive_price"
	CheckNegativeStock    = "items_negative_stock"
	CheckMissingImage     = "images_missing_file"
	CheckDuplicateCode    = "duplicate_codes"
)

type Finding struct {
	Check   string   `json:"check"`
	Count   int      `json:"count"`
	Samples []string `json:"samples,omitempty"`
}

// Report is the read-only integrity summary stored with a run.
type Report struct {
	Findings []Finding `json:"findings"`
	Errors   []string  `json:"errors,omitempty"`
}

func (r Report) Count(check string) int {
	for _, f := range r.Findings {
		if f.Check == check {
			return f.Count
		}
	}
	return 0
}

// audit looks for data a storefront would trip over. It logs and reports,
// it never repairs.
func (i *Importer) audit(ctx context.Context, log zerolog.Logger, src *db.IntegrationSource, codes []string) Report {
	var rep Report

	visible := func() *gorm.DB {
		return i.db.WithContext(ctx).Model(&db.CatalogItem{}).
			Where("source_id = ? AND visible = ?", src.ID, true)
	}
	itemChecks := []struct {
		name  string
		query func() *gorm.DB
	}{
		{CheckNoCategory, func() *gorm.DB { return visible().Where("category_id IS NULL") }},
		{CheckNonPositivePrice, func() *gorm.DB { return visible().Where("price <= ?", 0) }},
		{CheckNegativeStock, func() *gorm.DB { return visible().Where("stock_quantity < ?", 0) }},
	}
	for _, c := range itemChecks {
		f, err := sampleItems(c.name, c.query)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", c.name, err))
			continue
		}
		rep.Findings = append(rep.Findings, f)
	}

	if f, err := i.auditImages(ctx, src); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", CheckMissingImage, err))
	} else {
		rep.Findings = append(rep.Findings, f)
	}

	rep.Findings = append(rep.Findings, duplicateCodes(codes))

	for _, f := range rep.Findings {
		if f.Count == 0 {
			continue
		}
		ev := log.Warn().Str("check", f.Check).Int("count", f.Count)
		if len(f.Samples) > 0 {
			ev = ev.Strs("samples", f.Samples)
		}
		ev.Msg("integrity check")
	}
	for _, e := range rep.Errors {
		log.Error().Str("check", e).Msg("integrity check failed to run")
	}
	return rep
}

func sampleItems(name string, q func() *gorm.DB) (Finding, error) {
	f := Finding{Check: name}
	var n int64
	if err := q().Count(&n).Error; err != nil {
		return f, err
	}
	f.Count = int(n)
	if n == 0 {
		return f, nil
	}
	var rows []struct {
		Code string
		Name string
	}
	if err := q().Select("code", "name").Order("code").Limit(maxAuditSamples).Find(&rows).Error; err != nil {
		return f, err
	}
	for _, r := range rows {
		f.Samples = append(f.Samples, r.Code+" - "+r.Name)
	}
	return f, nil
}

func (i *Importer) auditImages(ctx context.Context, src *db.IntegrationSource) (Finding, error) {
	f := Finding{Check: CheckMissingImage}
	st := i.storage()
	if st == nil {
		return f, nil
	}
	var rows []struct {
		Code       string
		StorageKey string
	}
	if err := i.db.WithContext(ctx).
		Table("product_images").
		Select("catalog_items.code AS code, product_images.storage_key AS storage_key").
		Joins("JOIN catalog_items ON catalog_items.id = product_images.item_id").
		Where("catalog_items.source_id = ?", src.ID).
		Order("product_images.id").
		Scan(&rows).Error; err != nil {
		return f, err
	}
	for _, r := range rows {
		ok := false
		if r.StorageKey != "" {
			exists, err := st.Exists(ctx, r.StorageKey)
			if err != nil {
				return f, err
			}
			ok = exists
		}
		if ok {
			continue
		}
		f.Count++
		if len(f.Samples) < maxAuditSamples {
			f.Samples = append(f.Samples, r.Code+" - "+r.StorageKey)
		}
	}
	return f, nil
}

// duplicateCodes reports codes listed more than once in one snapshot. Only
// the last occurrence survives in the catalog.
func duplicateCodes(codes []string) Finding {
	f := Finding{Check: CheckDuplicateCode}
	count := map[string]int{}
	var order []string
	for _, c := range codes {
		if count[c] == 0 {
			order = append(order, c)
		}
		count[c]++
	}
	for _, c := range order {
		if count[c] < 2 {
			continue
		}
		f.Count++
		if len(f.Samples) < maxAuditSamples {
			f.Samples = append(f.Samples, fmt.Sprintf("%s x%d", c, count[c]))
		}
	}
	return f
}

func (i *Importer) storeAudit(ctx context.Context, run *db.SyncRun, rep Report) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	run.Audit = datatypes.JSON(b)
	return i.db.WithContext(ctx).Model(&db.SyncRun{}).Where("id = ?", run.ID).Update("audit", run.Audit).Error
}
