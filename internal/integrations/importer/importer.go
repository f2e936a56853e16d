package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bartek5186/catsync/internal/category"
	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/media"
	"github.com/bartek5186/catsync/internal/pricing"
	"github.com/bartek5186/catsync/internal/snapshot"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const DefaultBatchSize = 100

// ErrPersistence marks a failed database write. A batch that hits it is
// rolled back as a whole.
var ErrPersistence = errors.New("persistence error")

func persistErr(err error) error {
	if err == nil || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// ItemError is a failure confined to one item; the batch carries on.
type ItemError struct {
	Code     string
	Category string
	Err      error
}

func (e *ItemError) Error() string {
	if e.Code == "" {
		return "item: " + e.Err.Error()
	}
	return fmt.Sprintf("item %s: %v", e.Code, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// RunConfig is everything one run reads from configuration, captured once when
// the run starts.
type RunConfig struct {
	Mode         string // db.ModeData or db.ModeFull
	SnapshotPath string
	Encoding     string
	MediaRoot    string
	BatchSize    int
	Currency     string
	DefaultUnit  string
	Defaults     pricing.Defaults
}

// FullMode reports whether images are reconciled and the deletion sweep runs.
func (c RunConfig) FullMode() bool { return c.Mode == db.ModeFull }

func (c RunConfig) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

type Counters struct {
	Total            int
	Processed        int
	Created          int
	Updated          int
	Unchanged        int
	Failed           int
	Errors           int
	MissingAssets    int
	AbortedBatches   int
	HiddenItems      int
	HiddenCategories int
}

// Result is what a run did. It is returned even when Run fails part way.
type Result struct {
	Counters
	SnapshotSHA256 string
	Audit          Report
}

// Summary is the one-line run message stored on the run record.
func (r *Result) Summary() string {
	s := fmt.Sprintf("processed %d of %d: created %d, updated %d, unchanged %d, failed %d, errors %d",
		r.Processed, r.Total, r.Created, r.Updated, r.Unchanged, r.Failed, r.Errors)
	if r.HiddenItems > 0 || r.HiddenCategories > 0 {
		s += fmt.Sprintf("; hidden %d items, %d categories", r.HiddenItems, r.HiddenCategories)
	}
	if r.MissingAssets > 0 {
		s += fmt.Sprintf("; %d image files missing", r.MissingAssets)
	}
	if r.AbortedBatches > 0 {
		s += fmt.Sprintf("; %d batches aborted", r.AbortedBatches)
	}
	return s
}

func (r *Result) add(b batchResult) {
	r.Processed += b.processed
	r.Created += b.created
	r.Updated += b.updated
	r.Unchanged += b.unchanged
	r.Failed += b.failed
	r.Errors += len(b.failures)
	r.MissingAssets += b.missingAssets
	if b.aborted != nil {
		r.AbortedBatches++
	}
}

// Importer applies snapshots to the catalog.
type Importer struct {
	log  zerolog.Logger
	db   *gorm.DB
	proc *media.Processor
	now  func() time.Time
}

func New(log zerolog.Logger, gdb *gorm.DB, proc *media.Processor) *Importer {
	return &Importer{log: log, db: gdb, proc: proc, now: time.Now}
}

// Run reads the snapshot and applies it batch by batch. It keeps run's counters
// and file metadata current but leaves the terminal status to the caller.
// Batches that committed stay committed when a later one fails.
func (i *Importer) Run(ctx context.Context, cfg RunConfig, src *db.IntegrationSource, run *db.SyncRun) (*Result, error) {
	log := i.log.With().
		Str("source", src.Code).
		Str("run_id", run.RunID).
		Str("mode", cfg.Mode).
		Logger()

	snap, err := snapshot.Read(cfg.SnapshotPath, cfg.Encoding)
	if err != nil {
		return nil, err
	}
	res := &Result{SnapshotSHA256: snap.SHA256}
	res.Total = len(snap.Records)

	mod := snap.ModTime.UTC()
	run.Status = db.RunInProgress
	run.Total = res.Total
	run.SourceFilePath = snap.Path
	run.SourceFileSize = snap.Size
	run.SourceFileModified = &mod
	run.SourceFileSHA256 = snap.SHA256
	if err := i.db.WithContext(ctx).Model(&db.SyncRun{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status":               run.Status,
		"total":                run.Total,
		"source_file_path":     run.SourceFilePath,
		"source_file_size":     run.SourceFileSize,
		"source_file_modified": run.SourceFileModified,
		"source_file_sha256":   run.SourceFileSHA256,
	}).Error; err != nil {
		return nil, persistErr(err)
	}

	log.Info().
		Int("items", res.Total).
		Int64("size", snap.Size).
		Str("sha256", snap.SHA256).
		Msg("snapshot loaded")

	cats := category.NewResolver(log)
	if err := cats.Reload(ctx, category.NewGormStore(i.db, src.ID)); err != nil {
		return res, persistErr(err)
	}

	if cfg.FullMode() && cfg.MediaRoot == "" {
		log.Warn().Msg("source has no media root, images skipped")
	}

	size := cfg.batchSize()
	for start := 0; start < len(snap.Records); start += size {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+size, len(snap.Records))

		b := i.applyBatch(ctx, log, cfg, src, cats, snap.Records[start:end])
		res.add(b)
		if b.aborted != nil {
			log.Error().Err(b.aborted).Int("from", start).Int("to", end).Msg("batch aborted")
			if err := cats.Reload(ctx, category.NewGormStore(i.db, src.ID)); err != nil {
				return res, persistErr(err)
			}
		}
		if err := i.recordErrors(ctx, run.ID, b.failures); err != nil {
			log.Error().Err(err).Int("n", len(b.failures)).Msg("cannot store sync errors")
		}
		if err := i.flushProgress(ctx, run, res); err != nil {
			log.Error().Err(err).Msg("cannot store run progress")
		}
	}

	created, updated := cats.Stats()
	log.Info().Int("nodes", cats.Len()).Int("created", created).Int("updated", updated).Msg("category tree reconciled")

	if cfg.FullMode() {
		items, catsHidden, err := i.sweep(ctx, log, src, snap.Codes(), snap.CategoryCodes())
		if err != nil {
			return res, err
		}
		res.HiddenItems, res.HiddenCategories = items, catsHidden
	}

	res.Audit = i.audit(ctx, log, src, snap.Codes())
	if err := i.storeAudit(ctx, run, res.Audit); err != nil {
		log.Error().Err(err).Msg("cannot store audit report")
	}

	if res.AbortedBatches > 0 {
		return res, fmt.Errorf("%w: %d batches aborted", ErrPersistence, res.AbortedBatches)
	}
	return res, nil
}

func (i *Importer) flushProgress(ctx context.Context, run *db.SyncRun, res *Result) error {
	run.Processed = res.Processed
	run.Created = res.Created
	run.Updated = res.Updated
	run.Failed = res.Failed
	run.ErrorCount = res.Errors
	return i.db.WithContext(ctx).Model(&db.SyncRun{}).Where("id = ?", run.ID).Updates(map[string]any{
		"processed":   run.Processed,
		"created":     run.Created,
		"updated":     run.Updated,
		"failed":      run.Failed,
		"error_count": run.ErrorCount,
	}).Error
}

func (i *Importer) recordErrors(ctx context.Context, runID uint, fs []failure) error {
	if len(fs) == 0 {
		return nil
	}
	rows := make([]db.SyncError, 0, len(fs))
	for _, f := range fs {
		rows = append(rows, db.SyncError{
			SyncRunID: runID,
			ItemCode:  f.code,
			Category:  f.category,
			Message:   f.message,
			Trace:     f.trace,
		})
	}
	return i.db.WithContext(ctx).CreateInBatches(&rows, 200).Error
}
