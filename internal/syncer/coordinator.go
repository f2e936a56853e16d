package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	conf "github.com/bartek5186/catsync/internal/config"
	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/integrations"
	"github.com/bartek5186/catsync/internal/integrations/importer"
	"github.com/bartek5186/catsync/internal/metrics"
	"github.com/bartek5186/catsync/internal/pricing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	ErrSourceUnknown  = errors.New("source unknown")
	ErrSourceInactive = errors.New("source inactive")
	ErrSourceBusy     = errors.New("source busy")
	ErrInvalidMode    = errors.New("invalid run mode")
	ErrRunUnknown     = errors.New("run unknown")
	ErrItemUnknown    = errors.New("item unknown")
)

// RunConfig is the configuration snapshot a run works with.
type RunConfig = importer.RunConfig

// Engine applies snapshots; *importer.Importer in production.
type Engine interface {
	Run(ctx context.Context, cfg importer.RunConfig, src *db.IntegrationSource, run *db.SyncRun) (*importer.Result, error)
	Reresolve(ctx context.Context, src *db.IntegrationSource, defaults pricing.Defaults, codes ...string) (int, error)
}

// RunResult is delivered on the Done channel when a run ends.
type RunResult struct {
	importer.Counters
	RunID  string
	Source string
	Mode   string
	Status string // db.RunCompleted | db.RunFailed
	Err    error
}

type task struct {
	runID string
	done  chan struct{}
	res   RunResult
}

// RunOption tweaks a single run.
type RunOption func(*RunConfig)

// SkipMedia runs without touching images even in full mode.
func SkipMedia() RunOption {
	return func(c *RunConfig) { c.MediaRoot = "" }
}

// Coordinator starts runs, guarantees at most one run per source and records
// how each run ended.
type Coordinator struct {
	log       zerolog.Logger
	db        *gorm.DB
	engine    Engine
	mu        sync.Mutex
	cfg       *conf.Config
	notifiers []integrations.Notifier
	busy      map[string]string // source code -> run id, or "reresolve"
	tasks     map[string]*task  // run id -> task, while running
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewCoordinator(log zerolog.Logger, cfg *conf.Config, gdb *gorm.DB, engine Engine) *Coordinator {
	c := &Coordinator{
		log:    log.With().Str("component", "coordinator").Logger(),
		db:     gdb,
		engine: engine,
		cfg:    cfg,
		busy:   map[string]string{},
		tasks:  map[string]*task{},
		now:    time.Now,
	}
	c.notifiers = integrations.Build(c.log, cfg.NotifierConfigs())
	return c
}

// UpdateConfig swaps the config used by runs started from now on.
func (c *Coordinator) UpdateConfig(cfg *conf.Config) {
	ns := integrations.Build(c.log, cfg.NotifierConfigs())
	c.mu.Lock()
	c.cfg = cfg
	c.notifiers = ns
	c.mu.Unlock()
}

func (c *Coordinator) source(ctx context.Context, code string) (*db.IntegrationSource, error) {
	var src db.IntegrationSource
	if err := c.db.WithContext(ctx).Where("code = ?", code).Take(&src).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSourceUnknown, code)
		}
		return nil, err
	}
	return &src, nil
}

func (c *Coordinator) reserve(code, owner string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.busy[code]; taken {
		return false
	}
	c.busy[code] = owner
	return true
}

func (c *Coordinator) release(code string) {
	c.mu.Lock()
	delete(c.busy, code)
	c.mu.Unlock()
}

// StartRun claims the source and starts the run in the background. It returns
// as soon as the run record exists; the outcome is available through Done,
// GetRunStatus and RunErrors.
func (c *Coordinator) StartRun(ctx context.Context, code, mode string, opts ...RunOption) (string, error) {
	var running string
	switch mode {
	case db.ModeData:
		running = db.StatusRunningData
	case db.ModeFull:
		running = db.StatusRunningFull
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	src, err := c.source(ctx, code)
	if err != nil {
		return "", err
	}
	if !src.Active {
		return "", fmt.Errorf("%w: %s", ErrSourceInactive, code)
	}

	runID := uuid.NewString()
	if !c.reserve(src.Code, runID) {
		return "", fmt.Errorf("%w: %s", ErrSourceBusy, code)
	}

	started := c.now()
	claim := c.db.WithContext(ctx).Model(&db.IntegrationSource{}).
		Where("id = ? AND import_status NOT IN ?", src.ID, []string{db.StatusRunningData, db.StatusRunningFull}).
		Updates(map[string]any{
			"import_status":       running,
			"last_import_started": started,
		})
	if claim.Error != nil {
		c.release(src.Code)
		return "", claim.Error
	}
	if claim.RowsAffected == 0 {
		c.release(src.Code)
		return "", fmt.Errorf("%w: %s", ErrSourceBusy, code)
	}
	src.ImportStatus = running
	src.LastImportStarted = &started

	sid := src.ID
	run := &db.SyncRun{
		RunID:     runID,
		SourceID:  &sid,
		Mode:      mode,
		Status:    db.RunStarted,
		StartedAt: started,
	}
	if err := c.db.WithContext(ctx).Create(run).Error; err != nil {
		c.db.WithContext(ctx).Model(&db.IntegrationSource{}).Where("id = ?", src.ID).Update("import_status", db.StatusIdle)
		c.release(src.Code)
		return "", err
	}

	c.mu.Lock()
	rc := buildRunConfig(c.cfg, src, mode)
	notifiers := c.notifiers
	t := &task{runID: runID, done: make(chan struct{})}
	c.tasks[runID] = t
	c.mu.Unlock()
	for _, o := range opts {
		o(&rc)
	}

	c.log.Info().Str("source", src.Code).Str("mode", mode).Str("run_id", runID).Msg("run started")
	metrics.ActiveRuns.Inc()
	c.wg.Add(1)
	// the run outlives the request that started it
	go c.execute(context.WithoutCancel(ctx), t, src, run, rc, notifiers)
	return runID, nil
}

func buildRunConfig(cfg *conf.Config, src *db.IntegrationSource, mode string) RunConfig {
	mediaRoot := ""
	if src.MediaPath != "" {
		mediaRoot = cfg.Resolve(src.MediaPath)
	}
	return RunConfig{
		Mode:         mode,
		SnapshotPath: cfg.Resolve(src.SnapshotPath),
		Encoding:     src.Encoding,
		MediaRoot:    mediaRoot,
		BatchSize:    cfg.BatchSize,
		Currency:     cfg.Currency,
		DefaultUnit:  cfg.DefaultUnit,
		Defaults: pricing.Defaults{
			PriceTypeName: src.DefaultPriceType,
			WarehouseName: src.DefaultWarehouse,
		},
	}
}

func (c *Coordinator) execute(ctx context.Context, t *task, src *db.IntegrationSource, run *db.SyncRun,
	rc RunConfig, notifiers []integrations.Notifier) {

	defer c.wg.Done()
	res, err := c.supervise(ctx, src, run, rc)
	c.finish(ctx, t, src, run, rc, res, err, notifiers)
}

func (c *Coordinator) supervise(ctx context.Context, src *db.IntegrationSource, run *db.SyncRun, rc RunConfig) (res *importer.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("source", src.Code).
				Str("run_id", run.RunID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("run panicked")
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return c.engine.Run(ctx, rc, src, run)
}

// finish writes the terminal state of the run and its source, then wakes
// everyone waiting on Done.
func (c *Coordinator) finish(ctx context.Context, t *task, src *db.IntegrationSource, run *db.SyncRun,
	rc RunConfig, res *importer.Result, runErr error, notifiers []integrations.Notifier) {

	log := c.log.With().Str("source", src.Code).Str("run_id", run.RunID).Logger()
	if res == nil {
		res = &importer.Result{}
	}
	now := c.now()
	dur := now.Sub(run.StartedAt)

	status, srcStatus := db.RunCompleted, db.StatusCompleted
	message := res.Summary()
	details := ""
	if runErr != nil {
		status, srcStatus = db.RunFailed, db.StatusFailed
		details = runErr.Error()
		message = "run failed: " + details
		if res.Total > 0 {
			message += "; " + res.Summary()
		}
	}

	if err := c.db.WithContext(ctx).Model(&db.SyncRun{}).Where("id = ?", run.ID).Updates(map[string]any{
		"status":        status,
		"finished_at":   now,
		"duration_ms":   dur.Milliseconds(),
		"message":       message,
		"error_details": details,
		"processed":     res.Processed,
		"created":       res.Created,
		"updated":       res.Updated,
		"failed":        res.Failed,
		"error_count":   res.Errors,
	}).Error; err != nil {
		log.Error().Err(err).Msg("cannot store run result")
	}

	// failed runs are rescheduled too, so a broken export is retried on the
	// normal cadence instead of every poll
	upd := map[string]any{
		"import_status":    srcStatus,
		"last_import_done": now,
		"next_data_sync":   now.Add(src.DataInterval()),
	}
	if rc.Mode == db.ModeFull {
		upd["next_full_sync"] = now.Add(src.FullInterval())
	}
	if runErr == nil {
		upd["last_data_sync"] = now
		if rc.Mode == db.ModeFull {
			upd["last_full_sync"] = now
		}
		upd["last_error"] = ""
	} else {
		upd["last_error"] = details
		upd["last_error_at"] = now
	}
	if err := c.db.WithContext(ctx).Model(&db.IntegrationSource{}).Where("id = ?", src.ID).Updates(upd).Error; err != nil {
		log.Error().Err(err).Msg("cannot store source state")
	}

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", status).Dur("took", dur).Msg(res.Summary())

	metrics.ActiveRuns.Dec()
	metrics.ObserveRun(metrics.RunOutcome{
		Source:    src.Code,
		Mode:      rc.Mode,
		Status:    status,
		Duration:  dur,
		Created:   res.Created,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
		Failed:    res.Failed,
		Aborted:   res.AbortedBatches,
	})

	if len(notifiers) > 0 {
		nctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		integrations.Broadcast(nctx, log, notifiers, integrations.RunEvent{
			RunID:      run.RunID,
			Source:     src.Code,
			Mode:       rc.Mode,
			Status:     status,
			Total:      res.Total,
			Processed:  res.Processed,
			Created:    res.Created,
			Updated:    res.Updated,
			Unchanged:  res.Unchanged,
			Failed:     res.Failed,
			Errors:     res.Errors,
			StartedAt:  run.StartedAt,
			FinishedAt: now,
			DurationMs: dur.Milliseconds(),
			Message:    message,
			Error:      details,
		})
		cancel()
	}

	t.res = RunResult{
		RunID:    run.RunID,
		Source:   src.Code,
		Mode:     rc.Mode,
		Status:   status,
		Counters: res.Counters,
		Err:      runErr,
	}
	c.mu.Lock()
	delete(c.tasks, t.runID)
	delete(c.busy, src.Code)
	c.mu.Unlock()
	close(t.done)
}

// Done delivers the result of runID once it ends. For a run that already
// ended the result is rebuilt from its record; for an unknown run the channel
// is closed without a value.
func (c *Coordinator) Done(runID string) <-chan RunResult {
	out := make(chan RunResult, 1)
	c.mu.Lock()
	t, ok := c.tasks[runID]
	c.mu.Unlock()
	if ok {
		go func() {
			<-t.done
			out <- t.res
			close(out)
		}()
		return out
	}

	var run db.SyncRun
	if err := c.db.Where("run_id = ?", runID).Take(&run).Error; err != nil || run.IsRunning() {
		close(out)
		return out
	}
	res := RunResult{
		RunID:  run.RunID,
		Mode:   run.Mode,
		Status: run.Status,
		Counters: importer.Counters{
			Total:     run.Total,
			Processed: run.Processed,
			Created:   run.Created,
			Updated:   run.Updated,
			Failed:    run.Failed,
			Errors:    run.ErrorCount,
		},
	}
	if run.ErrorDetails != "" {
		res.Err = errors.New(run.ErrorDetails)
	}
	if run.SourceID != nil {
		var src db.IntegrationSource
		if c.db.Select("code").Where("id = ?", *run.SourceID).Take(&src).Error == nil {
			res.Source = src.Code
		}
	}
	out <- res
	close(out)
	return out
}

// Wait blocks until every started run has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Busy reports whether a run or a re-resolve of code is executing in this
// process.
func (c *Coordinator) Busy(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.busy[code]
	return ok
}

// RecoverStale runs once at startup. Sources left in a running state by a
// previous process go back to idle and their open runs are cancelled.
func (c *Coordinator) RecoverStale(ctx context.Context) (sources int, runs int, err error) {
	now := c.now()
	const msg = "interrupted: the process stopped during the run"

	c.mu.Lock()
	var live []string
	for id := range c.tasks {
		live = append(live, id)
	}
	var liveSources []string
	for code := range c.busy {
		liveSources = append(liveSources, code)
	}
	c.mu.Unlock()

	q := c.db.WithContext(ctx).Model(&db.SyncRun{}).Where("status IN ?", []string{db.RunStarted, db.RunInProgress})
	if len(live) > 0 {
		q = q.Where("run_id NOT IN ?", live)
	}
	r := q.Updates(map[string]any{
		"status":        db.RunCancelled,
		"finished_at":   now,
		"message":       msg,
		"error_details": msg,
	})
	if r.Error != nil {
		return 0, 0, r.Error
	}
	runs = int(r.RowsAffected)

	q = c.db.WithContext(ctx).Model(&db.IntegrationSource{}).
		Where("import_status IN ?", []string{db.StatusRunningData, db.StatusRunningFull})
	if len(liveSources) > 0 {
		q = q.Where("code NOT IN ?", liveSources)
	}
	r = q.Updates(map[string]any{
		"import_status": db.StatusIdle,
		"last_error":    msg,
		"last_error_at": now,
	})
	if r.Error != nil {
		return 0, runs, r.Error
	}
	sources = int(r.RowsAffected)

	if sources > 0 || runs > 0 {
		c.log.Warn().Int("sources", sources).Int("runs", runs).Msg("recovered interrupted runs")
	}
	return sources, runs, nil
}
