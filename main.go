package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bartek5186/catsync/internal/api"
	conf "github.com/bartek5186/catsync/internal/config"
	"github.com/bartek5186/catsync/internal/db"
	"github.com/bartek5186/catsync/internal/integrations/importer"
	_ "github.com/bartek5186/catsync/internal/integrations/redisbus" // notifier registration
	_ "github.com/bartek5186/catsync/internal/integrations/webhook"
	logs "github.com/bartek5186/catsync/internal/logs"
	"github.com/bartek5186/catsync/internal/media"
	"github.com/bartek5186/catsync/internal/syncer"
	"github.com/rs/zerolog"
)

// override with -ldflags "-X 'main.ver=1.0.1'"
var ver = "1.0.0"

const usage = `catsync %s

Usage:
  catsync [-dir path] serve [-detach]
  catsync [-dir path] import <source> [-mode data|full] [-skip-media]
  catsync [-dir path] reset-status [-source code]
  catsync [-dir path] scheduler [-once]
`

type app struct {
	dir     string
	cfgPath string
	cfg     *conf.Config
	log     zerolog.Logger
	dbh     *db.Handle
	coord   *syncer.Coordinator
}

func main() {
	root := flag.NewFlagSet("catsync", flag.ExitOnError)
	dir := root.String("dir", "", "data directory (config, log, database)")
	root.Usage = func() { fmt.Fprintf(os.Stderr, usage, ver) }
	_ = root.Parse(os.Args[1:])

	args := root.Args()
	if len(args) == 0 {
		root.Usage()
		os.Exit(2)
	}
	if *dir == "" {
		*dir = mustAppDataDir("catsync")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch args[0] {
	case "serve":
		err = cmdServe(ctx, *dir, args[1:])
	case "import":
		err = cmdImport(ctx, *dir, args[1:])
	case "reset-status":
		err = cmdReset(ctx, *dir, args[1:])
	case "scheduler":
		err = cmdScheduler(ctx, *dir, args[1:])
	default:
		root.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func bootstrap(ctx context.Context, dir string, console bool) (*app, error) {
	cfgPath := filepath.Join(dir, "config.json")
	cfg, firstRun, err := conf.LoadOrCreate(cfgPath)
	if err != nil {
		return nil, err
	}
	log := logs.New(filepath.Join(dir, "app.log"), console, cfg.LogLevel)
	if firstRun {
		log.Info().Str("path", cfgPath).Msg("default config written")
	}

	dbh, err := db.Open(dir, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := dbh.Migrate(); err != nil {
		dbh.Close()
		return nil, err
	}
	log.Info().Str("driver", dbh.Driver).Str("db", dbh.Path).Msg("DB ready")

	if n, err := dbh.SeedSources(cfg.Resolve(cfg.SourcesFile)); err != nil {
		log.Error().Err(err).Str("file", cfg.SourcesFile).Msg("cannot load sources file")
	} else if n > 0 {
		log.Info().Int("sources", n).Msg("sources loaded")
	}

	proc := &media.Processor{
		MaxDimension: cfg.Image.MaxDimension,
		Quality:      cfg.Image.JPEGQuality,
		Storage:      media.NewDiskStorage(cfg.Resolve(cfg.MediaOutDir)),
	}
	imp := importer.New(log.With().Str("component", "importer").Logger(), dbh.DB, proc)
	coord := syncer.NewCoordinator(log, cfg, dbh.DB, imp)

	if _, _, err := coord.RecoverStale(ctx); err != nil {
		log.Error().Err(err).Msg("cannot recover interrupted runs")
	}
	return &app{dir: dir, cfgPath: cfgPath, cfg: cfg, log: log, dbh: dbh, coord: coord}, nil
}

func (a *app) close() {
	a.coord.Wait()
	if err := a.dbh.Close(); err != nil {
		a.log.Error().Err(err).Msg("DB close")
	}
}

func cmdServe(ctx context.Context, dir string, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	detach := fs.Bool("detach", false, "no interactive console, run until signalled")
	_ = fs.Parse(args)

	a, err := bootstrap(ctx, dir, !*detach)
	if err != nil {
		return err
	}
	defer a.close()

	s := syncer.New(a.log, a.cfg, a.dbh.DB, a.coord)
	if a.cfg.AutoStart {
		if err := s.Start(ctx); err != nil {
			a.log.Error().Err(err).Msg("auto start failed")
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.NewRouter(a.coord, a.log.With().Str("component", "api").Logger()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("API server stopped")
		}
	}()

	if *detach {
		<-ctx.Done()
	} else {
		a.console(ctx, s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	s.Stop()
	return nil
}

// console is the interactive command loop of serve.
func (a *app) console(ctx context.Context, s *syncer.Syncer) {
	lines := make(chan string)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	const help = "Commands: start | stop | reload | status | run <code> [data|full] | reset [code] | paths | quit"
	fmt.Println("catsync", ver)
	fmt.Println(help)

	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				// stdin closed; keep serving until signalled
				<-ctx.Done()
				return
			}
			line = l
		}
		f := strings.Fields(strings.TrimSpace(line))
		if len(f) == 0 {
			continue
		}

		switch strings.ToLower(f[0]) {
		case "start":
			if err := s.Start(ctx); err != nil {
				fmt.Println("start failed:", err)
				continue
			}
			fmt.Println("scheduler started")
		case "stop":
			s.Stop()
			fmt.Println("scheduler stopped")
		case "reload":
			cfg, _, err := conf.LoadOrCreate(a.cfgPath)
			if err != nil {
				a.log.Error().Err(err).Msg("reload failed")
				fmt.Println("reload failed:", err)
				continue
			}
			a.cfg = cfg
			s.UpdateConfig(cfg)
			if n, err := a.dbh.SeedSources(cfg.Resolve(cfg.SourcesFile)); err != nil {
				fmt.Println("sources file:", err)
			} else {
				fmt.Printf("config reloaded, %d sources\n", n)
			}
		case "status":
			a.printStatus(ctx, s)
		case "run":
			if len(f) < 2 {
				fmt.Println("usage: run <code> [data|full]")
				continue
			}
			mode := db.ModeData
			if len(f) > 2 {
				mode = f[2]
			}
			runID, err := a.coord.StartRun(ctx, f[1], mode)
			if err != nil {
				fmt.Println("run refused:", err)
				continue
			}
			fmt.Println("run started:", runID)
		case "reset":
			if len(f) > 1 {
				if err := a.coord.ResetStatus(ctx, f[1]); err != nil {
					fmt.Println("reset failed:", err)
					continue
				}
				fmt.Println("reset", f[1])
				continue
			}
			n, err := a.coord.ResetAll(ctx)
			if err != nil {
				fmt.Println("reset failed:", err)
				continue
			}
			fmt.Printf("reset %d sources\n", n)
		case "paths":
			fmt.Println("Log:", filepath.Join(a.dir, "app.log"))
			fmt.Println("Config:", a.cfgPath)
			fmt.Println("DB:", a.dbh.Path)
			fmt.Println("Data:", a.cfg.DataPath())
		case "quit", "exit":
			return
		default:
			fmt.Println("Unknown command.", help)
		}
	}
}

func (a *app) printStatus(ctx context.Context, s *syncer.Syncer) {
	if s.IsRunning() {
		fmt.Println("Scheduler: RUNNING")
	} else {
		fmt.Println("Scheduler: STOPPED")
	}
	srcs, err := a.coord.ListSources(ctx)
	if err != nil {
		fmt.Println("sources:", err)
		return
	}
	for _, src := range srcs {
		st, err := a.coord.GetRunStatus(ctx, src.Code)
		if err != nil {
			fmt.Printf("  %-16s %v\n", src.Code, err)
			continue
		}
		line := fmt.Sprintf("  %-16s %-13s", st.Source, st.ImportStatus)
		if st.Run != nil {
			line += fmt.Sprintf(" %s %s %.2f%%", st.Run.Mode, st.Run.Status, st.ProgressPercent)
		}
		if st.LastError != "" {
			line += "  last error: " + st.LastError
		}
		fmt.Println(line)
	}
}

func cmdImport(ctx context.Context, dir string, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: import <source> [-mode data|full] [-skip-media]")
	}
	code := args[0]
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	mode := fs.String("mode", db.ModeFull, "data or full")
	skipMedia := fs.Bool("skip-media", false, "do not touch images")
	_ = fs.Parse(args[1:])

	a, err := bootstrap(ctx, dir, true)
	if err != nil {
		return err
	}
	defer a.close()

	var opts []syncer.RunOption
	if *skipMedia {
		opts = append(opts, syncer.SkipMedia())
	}
	runID, err := a.coord.StartRun(ctx, code, *mode, opts...)
	if err != nil {
		return err
	}
	res, ok := <-a.coord.Done(runID)
	if !ok {
		return fmt.Errorf("run %s: no result", runID)
	}
	fmt.Printf("%s %s: %s, processed %d of %d, created %d, updated %d, unchanged %d, failed %d\n",
		res.Source, res.Mode, res.Status, res.Processed, res.Total, res.Created, res.Updated, res.Unchanged, res.Failed)
	return res.Err
}

func cmdReset(ctx context.Context, dir string, args []string) error {
	fs := flag.NewFlagSet("reset-status", flag.ExitOnError)
	source := fs.String("source", "", "source code; all sources when empty")
	_ = fs.Parse(args)

	a, err := bootstrap(ctx, dir, true)
	if err != nil {
		return err
	}
	defer a.close()

	if *source != "" {
		if err := a.coord.ResetStatus(ctx, *source); err != nil {
			return err
		}
		fmt.Println("reset", *source)
		return nil
	}
	n, err := a.coord.ResetAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reset %d sources\n", n)
	return nil
}

func cmdScheduler(ctx context.Context, dir string, args []string) error {
	fs := flag.NewFlagSet("scheduler", flag.ExitOnError)
	once := fs.Bool("once", false, "dispatch due sources once, wait for them and exit")
	_ = fs.Parse(args)

	a, err := bootstrap(ctx, dir, true)
	if err != nil {
		return err
	}
	defer a.close()

	s := syncer.New(a.log, a.cfg, a.dbh.DB, a.coord)
	if !*once {
		if err := s.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		s.Stop()
		return nil
	}

	ds, err := s.RunOnce(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, d := range ds {
		res, ok := <-a.coord.Done(d.RunID)
		if !ok || res.Err != nil {
			failed++
		}
		fmt.Printf("%s %s: %s\n", d.Source, d.Mode, res.Status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(ds))
	}
	return nil
}

func mustAppDataDir(name string) string {
	base, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	p := filepath.Join(base, name)
	_ = os.MkdirAll(p, 0o755)
	return p
}
