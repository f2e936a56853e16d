package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	conf "github.com/bartek5186/catsync/internal/config"
	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/db/dbtest"
	"github.com/bartek5186/catsync/internal/integrations"
	"github.com/bartek5186/catsync/internal/integrations/importer"
	"github.com/bartek5186/catsync/internal/pricing"
	"github.com/bartek5186/catsync/internal/snapshot"
	"github.com/rs/zerolog"
)

type stubEngine struct {
	run func(ctx context.Context, cfg importer.RunConfig, src *db.IntegrationSource, run *db.SyncRun) (*importer.Result, error)
}

func (s stubEngine) Run(ctx context.Context, cfg importer.RunConfig, src *db.IntegrationSource, run *db.SyncRun) (*importer.Result, error) {
	return s.run(ctx, cfg, src, run)
}

func (s stubEngine) Reresolve(context.Context, *db.IntegrationSource, pricing.Defaults, ...string) (int, error) {
	return 0, nil
}

type recorder struct {
	mu  sync.Mutex
	got []integrations.RunEvent
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Notify(_ context.Context, ev integrations.RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

type env struct {
	t     *testing.T
	h     *db.Handle
	cfg   *conf.Config
	src   *db.IntegrationSource
	coord *Coordinator
	note  *recorder
}

func newEnv(t *testing.T, engine Engine) *env {
	t.Helper()
	h := dbtest.Open(t)
	cfg := conf.Default()
	cfg.DataDir = t.TempDir()
	cfg.BatchSize = 2

	src := dbtest.Source(t, h, "opt")
	if err := h.DB.Model(src).Updates(map[string]any{
		"snapshot_path":      "goods.json",
		"default_price_type": "Retail",
		"default_warehouse":  "Main",
	}).Error; err != nil {
		t.Fatal(err)
	}
	src.SnapshotPath = "goods.json"

	if engine == nil {
		engine = importer.New(zerolog.Nop(), h.DB, nil)
	}
	e := &env{t: t, h: h, cfg: cfg, src: src, note: &recorder{}}
	e.coord = NewCoordinator(zerolog.Nop(), cfg, h.DB, engine)
	e.coord.notifiers = []integrations.Notifier{e.note}
	t.Cleanup(e.coord.Wait)
	return e
}

func (e *env) writeSnapshot(items ...map[string]any) {
	e.t.Helper()
	b, err := json.Marshal(items)
	if err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.cfg.DataDir, "goods.json"), b, 0o644); err != nil {
		e.t.Fatal(err)
	}
}

func (e *env) wait(runID string) RunResult {
	e.t.Helper()
	select {
	case res, ok := <-e.coord.Done(runID):
		if !ok {
			e.t.Fatalf("run %s: no result", runID)
		}
		return res
	case <-time.After(10 * time.Second):
		e.t.Fatalf("run %s did not finish", runID)
	}
	return RunResult{}
}

func (e *env) source(code string) db.IntegrationSource {
	e.t.Helper()
	var s db.IntegrationSource
	if err := e.h.DB.Where("code = ?", code).Take(&s).Error; err != nil {
		e.t.Fatal(err)
	}
	return s
}

func goods(code string, price float64) map[string]any {
	return map[string]any{
		"code": code,
		"name": "Item " + code,
		"category": map[string]any{
			"name": "Dairy", "code": "C1",
		},
		"price_entries": []map[string]any{
			{"price_type_code": "P1", "price_type_name": "Retail", "value": price},
			{"price_type_code": "P2", "price_type_name": "Wholesale", "value": price * 0.8},
		},
		"stock_entries": []map[string]any{
			{"warehouse_code": "W1", "warehouse_name": "Main", "on_hand": 5, "reserved": 1},
		},
	}
}

func near(t *testing.T, what string, got *time.Time, want time.Time) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s not set", what)
	}
	d := got.Sub(want)
	if d < -time.Minute || d > time.Minute {
		t.Fatalf("%s = %v, want about %v", what, *got, want)
	}
}

func TestStartRunRejects(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	if _, err := e.coord.StartRun(ctx, "nope", db.ModeData); !errors.Is(err, ErrSourceUnknown) {
		t.Fatalf("unknown source: %v", err)
	}
	if _, err := e.coord.StartRun(ctx, "opt", "partial"); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("bad mode: %v", err)
	}
	if err := e.h.DB.Model(e.src).Update("active", false).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.StartRun(ctx, "opt", db.ModeData); !errors.Is(err, ErrSourceInactive) {
		t.Fatalf("inactive source: %v", err)
	}
}

func TestRunCompletesAndReschedules(t *testing.T) {
	e := newEnv(t, nil)
	e.writeSnapshot(goods("A1", 100), goods("A2", 50), goods("A3", 10))

	before := time.Now()
	runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeFull)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	res := e.wait(runID)
	if res.Status != db.RunCompleted || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Created != 3 || res.Processed != 3 {
		t.Fatalf("counters = %+v", res.Counters)
	}

	src := e.source("opt")
	if src.ImportStatus != db.StatusCompleted {
		t.Fatalf("import status = %s", src.ImportStatus)
	}
	near(t, "next_data_sync", src.NextDataSync, before.Add(5*time.Minute))
	near(t, "next_full_sync", src.NextFullSync, before.Add(60*time.Minute))
	near(t, "last_full_sync", src.LastFullSync, before)

	st, err := e.coord.GetRunStatus(context.Background(), "opt")
	if err != nil {
		t.Fatal(err)
	}
	if st.Run == nil || st.Run.RunID != runID || st.Run.Status != db.RunCompleted || st.ProgressPercent != 100 {
		t.Fatalf("status = %+v run = %+v", st, st.Run)
	}
	if st.Run.FinishedAt == nil || !strings.Contains(st.Run.Message, "created 3") {
		t.Fatalf("run record = %+v", st.Run)
	}

	if len(e.note.got) != 1 || e.note.got[0].RunID != runID || e.note.got[0].Created != 3 {
		t.Fatalf("notifications = %+v", e.note.got)
	}

	// Done after the fact is rebuilt from the record
	again := e.wait(runID)
	if again.Status != db.RunCompleted || again.Source != "opt" || again.Created != 3 {
		t.Fatalf("late Done = %+v", again)
	}
}

func TestIdenticalRerunChangesNothing(t *testing.T) {
	e := newEnv(t, nil)
	e.writeSnapshot(goods("A1", 100), goods("A2", 50))

	for i, want := range []int{2, 0} {
		runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeData)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		res := e.wait(runID)
		if res.Created != want || res.Updated != 0 {
			t.Fatalf("run %d counters = %+v", i, res.Counters)
		}
	}
	runs, err := e.coord.ListRecentRuns(context.Background(), "opt", 0)
	if err != nil || len(runs) != 2 {
		t.Fatalf("runs = %d, %v", len(runs), err)
	}
	if runs[0].ID < runs[1].ID {
		t.Fatalf("runs not newest first: %d, %d", runs[0].ID, runs[1].ID)
	}
}

func TestMissingSnapshotFailsRun(t *testing.T) {
	e := newEnv(t, nil)

	runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeData)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	res := e.wait(runID)
	if res.Status != db.RunFailed || !errors.Is(res.Err, snapshot.ErrSourceUnavailable) {
		t.Fatalf("result = %+v", res)
	}

	src := e.source("opt")
	if src.ImportStatus != db.StatusFailed || src.LastError == "" || src.LastErrorAt == nil {
		t.Fatalf("source = %+v", src)
	}
	if src.NextDataSync == nil || src.LastDataSync != nil {
		t.Fatalf("schedule after failure: next=%v last=%v", src.NextDataSync, src.LastDataSync)
	}
	if len(e.note.got) != 1 || e.note.got[0].Status != db.RunFailed || e.note.got[0].Error == "" {
		t.Fatalf("notifications = %+v", e.note.got)
	}

	// a failed source can be started again
	e.writeSnapshot(goods("A1", 1))
	runID, err = e.coord.StartRun(context.Background(), "opt", db.ModeData)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if res := e.wait(runID); res.Status != db.RunCompleted {
		t.Fatalf("restart result = %+v", res)
	}
	if src := e.source("opt"); src.LastError != "" {
		t.Fatalf("last error kept: %q", src.LastError)
	}
}

func TestRunErrors(t *testing.T) {
	e := newEnv(t, nil)
	e.writeSnapshot(goods("A1", 100), map[string]any{"name": "no code"})

	runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeData)
	if err != nil {
		t.Fatal(err)
	}
	res := e.wait(runID)
	if res.Status != db.RunCompleted || res.Processed != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	errs, err := e.coord.RunErrors(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || errs[0].Category != db.ErrCatItem {
		t.Fatalf("errors = %+v", errs)
	}
	if _, err := e.coord.RunErrors(context.Background(), "missing"); !errors.Is(err, ErrRunUnknown) {
		t.Fatalf("unknown run: %v", err)
	}
}

func TestSourceBusyWhileRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	e := newEnv(t, stubEngine{run: func(ctx context.Context, _ importer.RunConfig, _ *db.IntegrationSource, _ *db.SyncRun) (*importer.Result, error) {
		close(entered)
		<-release
		return &importer.Result{}, nil
	}})
	ctx := context.Background()

	runID, err := e.coord.StartRun(ctx, "opt", db.ModeData)
	if err != nil {
		t.Fatal(err)
	}
	<-entered

	if _, err := e.coord.StartRun(ctx, "opt", db.ModeFull); !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("second start: %v", err)
	}
	if err := e.coord.ResetStatus(ctx, "opt"); !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("reset while running: %v", err)
	}
	if _, err := e.coord.Reresolve(ctx, "opt"); !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("reresolve while running: %v", err)
	}
	if st, _ := e.coord.GetRunStatus(ctx, "opt"); !st.Syncing || st.ImportStatus != db.StatusRunningData {
		t.Fatalf("status while running = %+v", st)
	}

	close(release)
	if res := e.wait(runID); res.Status != db.RunCompleted {
		t.Fatalf("result = %+v", res)
	}
	if e.coord.Busy("opt") {
		t.Fatal("source still reserved")
	}
}

func TestStatusColumnGuardsOtherProcesses(t *testing.T) {
	e := newEnv(t, nil)
	if err := e.h.DB.Model(e.src).Update("import_status", db.StatusRunningFull).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.StartRun(context.Background(), "opt", db.ModeData); !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("start: %v", err)
	}
	if e.coord.Busy("opt") {
		t.Fatal("reservation leaked")
	}
}

func TestPanicMarksRunFailed(t *testing.T) {
	e := newEnv(t, stubEngine{run: func(context.Context, importer.RunConfig, *db.IntegrationSource, *db.SyncRun) (*importer.Result, error) {
		panic("boom")
	}})

	runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	res := e.wait(runID)
	if res.Status != db.RunFailed || res.Err == nil || !strings.Contains(res.Err.Error(), "boom") {
		t.Fatalf("result = %+v", res)
	}
	if src := e.source("opt"); src.ImportStatus != db.StatusFailed {
		t.Fatalf("import status = %s", src.ImportStatus)
	}
	if e.coord.Busy("opt") {
		t.Fatal("source still reserved")
	}
}

func TestRunConfigFromSource(t *testing.T) {
	var got importer.RunConfig
	e := newEnv(t, stubEngine{run: func(_ context.Context, cfg importer.RunConfig, _ *db.IntegrationSource, _ *db.SyncRun) (*importer.Result, error) {
		got = cfg
		return &importer.Result{}, nil
	}})
	if err := e.h.DB.Model(e.src).Update("media_path", "img").Error; err != nil {
		t.Fatal(err)
	}

	runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	e.wait(runID)
	if got.SnapshotPath != filepath.Join(e.cfg.DataDir, "goods.json") || got.MediaRoot != filepath.Join(e.cfg.DataDir, "img") {
		t.Fatalf("paths = %q %q", got.SnapshotPath, got.MediaRoot)
	}
	if got.BatchSize != 2 || got.Currency != "RUB" || got.Defaults.PriceTypeName != "Retail" || !got.FullMode() {
		t.Fatalf("config = %+v", got)
	}

	runID, err = e.coord.StartRun(context.Background(), "opt", db.ModeFull, SkipMedia())
	if err != nil {
		t.Fatal(err)
	}
	e.wait(runID)
	if got.MediaRoot != "" {
		t.Fatalf("media root with SkipMedia = %q", got.MediaRoot)
	}
}

func TestRecoverStale(t *testing.T) {
	e := newEnv(t, nil)
	sid := e.src.ID
	open := db.SyncRun{RunID: "stale-1", SourceID: &sid, Mode: db.ModeFull, Status: db.RunInProgress, StartedAt: time.Now()}
	done := db.SyncRun{RunID: "done-1", SourceID: &sid, Mode: db.ModeData, Status: db.RunCompleted, StartedAt: time.Now()}
	if err := e.h.DB.Create(&open).Error; err != nil {
		t.Fatal(err)
	}
	if err := e.h.DB.Create(&done).Error; err != nil {
		t.Fatal(err)
	}
	if err := e.h.DB.Model(e.src).Update("import_status", db.StatusRunningFull).Error; err != nil {
		t.Fatal(err)
	}

	srcs, runs, err := e.coord.RecoverStale(context.Background())
	if err != nil || srcs != 1 || runs != 1 {
		t.Fatalf("RecoverStale = %d, %d, %v", srcs, runs, err)
	}
	if src := e.source("opt"); src.ImportStatus != db.StatusIdle || !strings.Contains(src.LastError, "interrupted") {
		t.Fatalf("source = %+v", src)
	}
	var got db.SyncRun
	e.h.DB.Where("run_id = ?", "stale-1").Take(&got)
	if got.Status != db.RunCancelled || got.FinishedAt == nil {
		t.Fatalf("stale run = %+v", got)
	}
	e.h.DB.Where("run_id = ?", "done-1").Take(&got)
	if got.Status != db.RunCompleted {
		t.Fatalf("finished run touched: %+v", got)
	}

	// the source can run again
	e.writeSnapshot(goods("A1", 1))
	runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeData)
	if err != nil {
		t.Fatal(err)
	}
	e.wait(runID)
}

func TestResetAll(t *testing.T) {
	e := newEnv(t, nil)
	other := dbtest.Source(t, e.h, "second")
	for _, s := range []*db.IntegrationSource{e.src, other} {
		if err := e.h.DB.Model(s).Update("import_status", db.StatusRunningData).Error; err != nil {
			t.Fatal(err)
		}
	}
	sid := other.ID
	if err := e.h.DB.Create(&db.SyncRun{RunID: "r-open", SourceID: &sid, Status: db.RunStarted, StartedAt: time.Now()}).Error; err != nil {
		t.Fatal(err)
	}

	n, err := e.coord.ResetAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ResetAll = %d, %v", n, err)
	}
	for _, code := range []string{"opt", "second"} {
		if s := e.source(code); s.ImportStatus != db.StatusIdle {
			t.Fatalf("%s status = %s", code, s.ImportStatus)
		}
	}
	var run db.SyncRun
	e.h.DB.Where("run_id = ?", "r-open").Take(&run)
	if run.Status != db.RunCancelled {
		t.Fatalf("open run = %s", run.Status)
	}
	if err := e.coord.ResetStatus(context.Background(), "missing"); !errors.Is(err, ErrSourceUnknown) {
		t.Fatalf("reset unknown: %v", err)
	}
}

func TestSetOverridesReresolvesItem(t *testing.T) {
	e := newEnv(t, nil)
	e.writeSnapshot(goods("A1", 100), goods("A2", 50))
	runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeData)
	if err != nil {
		t.Fatal(err)
	}
	e.wait(runID)

	if err := e.coord.SetOverrides(context.Background(), "A1", "P2", ""); err != nil {
		t.Fatalf("SetOverrides: %v", err)
	}
	var a1, a2 db.CatalogItem
	e.h.DB.Where("code = ?", "A1").Take(&a1)
	e.h.DB.Where("code = ?", "A2").Take(&a2)
	if a1.Price != 80 || a1.SelectedPriceCode != "P2" {
		t.Fatalf("A1 price = %v (%s)", a1.Price, a1.SelectedPriceCode)
	}
	if a2.Price != 50 {
		t.Fatalf("A2 touched: %v", a2.Price)
	}

	// next run keeps the override and finds nothing to change
	runID, err = e.coord.StartRun(context.Background(), "opt", db.ModeData)
	if err != nil {
		t.Fatal(err)
	}
	if res := e.wait(runID); res.Updated != 0 || res.Unchanged != 2 {
		t.Fatalf("rerun counters = %+v", res.Counters)
	}

	if err := e.coord.SetOverrides(context.Background(), "ZZZ", "P1", ""); !errors.Is(err, ErrItemUnknown) {
		t.Fatalf("unknown item: %v", err)
	}
}

func TestReresolveAfterDefaultChange(t *testing.T) {
	e := newEnv(t, nil)
	e.writeSnapshot(goods("A1", 100))
	runID, err := e.coord.StartRun(context.Background(), "opt", db.ModeData)
	if err != nil {
		t.Fatal(err)
	}
	e.wait(runID)

	if err := e.h.DB.Model(e.src).Update("default_price_type", "Wholesale").Error; err != nil {
		t.Fatal(err)
	}
	n, err := e.coord.Reresolve(context.Background(), "opt")
	if err != nil || n != 1 {
		t.Fatalf("Reresolve = %d, %v", n, err)
	}
	var a1 db.CatalogItem
	e.h.DB.Where("code = ?", "A1").Take(&a1)
	if a1.Price != 80 {
		t.Fatalf("price = %v", a1.Price)
	}
}
