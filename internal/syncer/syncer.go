// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	conf "github.com/bartek5186/catsync/internal/config"
	"github.com/bartek5186/catsync/internal/db"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Dispatch is one run started by the scheduler.
type Dispatch struct {
	Source string
	Mode   string
	RunID  string
}

// Syncer polls the sources table and starts due runs through the coordinator.
type Syncer struct {
	log     zerolog.Logger
	db      *gorm.DB
	coord   *Coordinator
	mu      sync.Mutex
	cfg     *conf.Config
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ticks   uint64
	now     func() time.Time
}

func New(log zerolog.Logger, cfg *conf.Config, gdb *gorm.DB, coord *Coordinator) *Syncer {
	return &Syncer{
		log:   log.With().Str("component", "scheduler").Logger(),
		cfg:   cfg,
		db:    gdb,
		coord: coord,
		now:   time.Now,
	}
}

func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.ticks = 0
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info().Dur("interval", s.interval()).Msg("scheduler started")
	go s.loop(ctx)
	return nil
}

// Stop ends the polling loop. Runs already started keep going.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Syncer) UpdateConfig(cfg *conf.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.coord.UpdateConfig(cfg)
	s.log.Info().Msg("config updated")
}

func (s *Syncer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Syncer) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil && s.cfg.PollIntervalSeconds > 0 {
		return time.Duration(s.cfg.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

func (s *Syncer) loop(ctx context.Context) {
	defer s.wg.Done()

	// first tick right away
	s.tickOnce(ctx)

	cur := s.interval()
	ticker := time.NewTicker(cur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := s.interval(); next != cur {
				cur = next
				ticker.Reset(cur)
			}
			s.tickOnce(ctx)
		}
	}
}

func (s *Syncer) tickOnce(ctx context.Context) {
	s.mu.Lock()
	s.ticks++
	n := s.ticks
	s.mu.Unlock()

	ds, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error().Err(err).Uint64("tick", n).Msg("scheduler tick failed")
		return
	}
	if len(ds) > 0 {
		s.log.Info().Uint64("tick", n).Int("dispatched", len(ds)).Msg("scheduler tick")
	}
}

// RunOnce starts a run for every auto-synced active source that is due.
// A source due for both schedules gets a full run, which covers the data
// pass as well.
func (s *Syncer) RunOnce(ctx context.Context) ([]Dispatch, error) {
	var srcs []db.IntegrationSource
	if err := s.db.WithContext(ctx).
		Where("auto_sync = ? AND active = ?", true, true).
		Order("code").
		Find(&srcs).Error; err != nil {
		return nil, err
	}

	now := s.now()
	var out []Dispatch
	for i := range srcs {
		src := &srcs[i]
		if src.IsSyncing() {
			continue
		}
		mode := ""
		switch {
		case src.FullSyncDue(now):
			mode = db.ModeFull
		case src.DataSyncDue(now):
			mode = db.ModeData
		default:
			continue
		}

		runID, err := s.coord.StartRun(ctx, src.Code, mode)
		if err != nil {
			if errors.Is(err, ErrSourceBusy) {
				s.log.Debug().Str("source", src.Code).Msg("source busy, skipped")
				continue
			}
			s.log.Error().Err(err).Str("source", src.Code).Str("mode", mode).Msg("cannot start scheduled run")
			continue
		}
		out = append(out, Dispatch{Source: src.Code, Mode: mode, RunID: runID})
	}
	return out, nil
}
