package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/pricing"
	"gorm.io/gorm"
)

const (
	defaultRunsLimit = 10
	maxRunsLimit     = 100
)

// RunStatus is the current state of a source together with its latest run.
type RunStatus struct {
	Source          string
	ImportStatus    string
	Syncing         bool
	LastError       string
	LastErrorAt     *time.Time
	LastDataSync    *time.Time
	NextDataSync    *time.Time
	LastFullSync    *time.Time
	NextFullSync    *time.Time
	Run             *db.SyncRun // nil if the source never ran
	ProgressPercent float64
}

func (c *Coordinator) GetRunStatus(ctx context.Context, code string) (*RunStatus, error) {
	src, err := c.source(ctx, code)
	if err != nil {
		return nil, err
	}
	st := &RunStatus{
		Source:       src.Code,
		ImportStatus: src.ImportStatus,
		Syncing:      src.IsSyncing(),
		LastError:    src.LastError,
		LastErrorAt:  src.LastErrorAt,
		LastDataSync: src.LastDataSync,
		NextDataSync: src.NextDataSync,
		LastFullSync: src.LastFullSync,
		NextFullSync: src.NextFullSync,
	}

	var run db.SyncRun
	err = c.db.WithContext(ctx).Where("source_id = ?", src.ID).Order("id DESC").Take(&run).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, err
	default:
		st.Run = &run
		st.ProgressPercent = run.ProgressPercent()
	}
	return st, nil
}

// ListRecentRuns returns the newest runs of a source first.
func (c *Coordinator) ListRecentRuns(ctx context.Context, code string, limit int) ([]db.SyncRun, error) {
	src, err := c.source(ctx, code)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	var runs []db.SyncRun
	if err := c.db.WithContext(ctx).Where("source_id = ?", src.ID).Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// RunErrors lists the item errors recorded by a run in the order they were
// written.
func (c *Coordinator) RunErrors(ctx context.Context, runID string) ([]db.SyncError, error) {
	var run db.SyncRun
	if err := c.db.WithContext(ctx).Select("id").Where("run_id = ?", runID).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunUnknown, runID)
		}
		return nil, err
	}
	var out []db.SyncError
	if err := c.db.WithContext(ctx).Where("sync_run_id = ?", run.ID).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) ListSources(ctx context.Context) ([]db.IntegrationSource, error) {
	var out []db.IntegrationSource
	if err := c.db.WithContext(ctx).Order("code").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ResetStatus puts a stuck source back to idle and cancels its open runs.
// A source with a run executing in this process is left alone.
func (c *Coordinator) ResetStatus(ctx context.Context, code string) error {
	src, err := c.source(ctx, code)
	if err != nil {
		return err
	}
	if c.Busy(src.Code) {
		return fmt.Errorf("%w: %s", ErrSourceBusy, code)
	}
	return c.reset(ctx, src)
}

// ResetAll resets every source that has no run executing in this process.
func (c *Coordinator) ResetAll(ctx context.Context) (int, error) {
	srcs, err := c.ListSources(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range srcs {
		if c.Busy(srcs[i].Code) {
			c.log.Info().Str("source", srcs[i].Code).Msg("reset skipped, run in progress")
			continue
		}
		if err := c.reset(ctx, &srcs[i]); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *Coordinator) reset(ctx context.Context, src *db.IntegrationSource) error {
	now := c.now()
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.SyncRun{}).
			Where("source_id = ? AND status IN ?", src.ID, []string{db.RunStarted, db.RunInProgress}).
			Updates(map[string]any{
				"status":      db.RunCancelled,
				"finished_at": now,
				"message":     "cancelled by status reset",
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&db.IntegrationSource{}).Where("id = ?", src.ID).
			Update("import_status", db.StatusIdle).Error; err != nil {
			return err
		}
		c.log.Info().Str("source", src.Code).Str("was", src.ImportStatus).Msg("import status reset")
		return nil
	})
}

// Reresolve recomputes price and stock of every item of the source from the
// stored entries. Refused while the source is syncing.
func (c *Coordinator) Reresolve(ctx context.Context, code string) (int, error) {
	src, err := c.source(ctx, code)
	if err != nil {
		return 0, err
	}
	return c.reresolve(ctx, src)
}

func (c *Coordinator) reresolve(ctx context.Context, src *db.IntegrationSource, codes ...string) (int, error) {
	if src.IsSyncing() || !c.reserve(src.Code, "reresolve") {
		return 0, fmt.Errorf("%w: %s", ErrSourceBusy, src.Code)
	}
	defer c.release(src.Code)

	n, err := c.engine.Reresolve(ctx, src, pricing.Defaults{
		PriceTypeName: src.DefaultPriceType,
		WarehouseName: src.DefaultWarehouse,
	}, codes...)
	if err != nil {
		return n, err
	}
	c.log.Info().Str("source", src.Code).Int("changed", n).Int("scope", len(codes)).Msg("prices re-resolved")
	return n, nil
}

// SetOverrides stores the operator's price-type and warehouse choice for an
// item (empty clears it) and re-resolves that item right away.
func (c *Coordinator) SetOverrides(ctx context.Context, itemCode, priceCode, stockCode string) error {
	var it db.CatalogItem
	if err := c.db.WithContext(ctx).Where("code = ?", itemCode).Take(&it).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrItemUnknown, itemCode)
		}
		return err
	}

	var src *db.IntegrationSource
	if it.SourceID != nil {
		var s db.IntegrationSource
		if err := c.db.WithContext(ctx).Where("id = ?", *it.SourceID).Take(&s).Error; err != nil {
			return err
		}
		if s.IsSyncing() || c.Busy(s.Code) {
			return fmt.Errorf("%w: %s", ErrSourceBusy, s.Code)
		}
		src = &s
	}

	if err := c.db.WithContext(ctx).Model(&db.CatalogItem{}).Where("id = ?", it.ID).Updates(map[string]any{
		"selected_price_code": priceCode,
		"selected_stock_code": stockCode,
	}).Error; err != nil {
		return err
	}
	c.log.Info().Str("item", itemCode).Str("price", priceCode).Str("stock", stockCode).Msg("item overrides set")

	if src == nil {
		return nil
	}
	_, err := c.reresolve(ctx, src, itemCode)
	return err
}
