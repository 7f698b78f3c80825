// Package scheduler drives the challenge lifecycle on a cron schedule:
// scheduled challenges are activated at start_at, ended ones are
// finalized, and finalizations stuck past the grace period are resumed.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stakefit/settlement-engine/internal/metrics"
	"github.com/stakefit/settlement-engine/internal/model"
)

// Job names.
const (
	JobActivate = "activate"
	JobFinalize = "finalize"
)

// ChallengeLister lists challenges by status.
type ChallengeLister interface {
	ListChallenges(ctx context.Context, statuses ...model.ChallengeStatus) ([]model.Challenge, error)
}

// Activator opens scheduled challenges whose start time has passed.
type Activator interface {
	ActivateDue(ctx context.Context) ([]string, error)
}

// Finalizer settles one challenge.
type Finalizer interface {
	Finalize(ctx context.Context, challengeID string) (*model.SettlementResult, error)
}

// Config controls the scheduler.
type Config struct {
	// Spec is a robfig/cron spec, e.g. "@every 30s".
	Spec string
	// Parallelism bounds concurrent finalizations per tick.
	Parallelism int
	// Timeout bounds one tick.
	Timeout time.Duration
}

// Report summarizes one finalize tick.
type Report struct {
	Finalized int
	Skipped   int
	Failed    int
}

// Scheduler runs the lifecycle jobs.
type Scheduler struct {
	lister    ChallengeLister
	activator Activator
	finalizer Finalizer
	cfg       Config
	cron      *cron.Cron
	now       func() time.Time
}

// New creates a scheduler. Call Start to begin running jobs.
func New(lister ChallengeLister, act Activator, fin Finalizer, cfg Config) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = "@every 30s"
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	logger := cronLogger{log.With().Str("component", "scheduler").Logger()}
	return &Scheduler{
		lister:    lister,
		activator: act,
		finalizer: fin,
		cfg:       cfg,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		run  func(context.Context) error
	}{
		{JobActivate, s.activate},
		{JobFinalize, func(ctx context.Context) error { _, err := s.FinalizeDue(ctx); return err }},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(s.cfg.Spec, s.job(j.name, j.run)); err != nil {
			return err
		}
	}
	s.cron.Start()
	log.Info().Str("spec", s.cfg.Spec).Int("parallelism", s.cfg.Parallelism).Msg("scheduler started")
	return nil
}

// Stop stops scheduling and waits for running jobs up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		log.Warn().Msg("scheduler stop timed out with jobs still running")
	}
}

func (s *Scheduler) job(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		result := "ok"
		if err := run(ctx); err != nil {
			result = "error"
			log.Error().Err(err).Str("job", name).Msg("scheduled job failed")
		}
		metrics.SchedulerRuns.WithLabelValues(name, result).Inc()
	}
}

// Tick runs both jobs once, activation first.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	if err := s.activate(ctx); err != nil {
		return Report{}, err
	}
	return s.FinalizeDue(ctx)
}

func (s *Scheduler) activate(ctx context.Context) error {
	ids, err := s.activator.ActivateDue(ctx)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		log.Info().Strs("challenge_ids", ids).Msg("challenges activated")
	}
	return nil
}

// FinalizeDue finalizes every active challenge past its end time and
// retries every finalizing one, which the engine resumes once stale.
// Challenges are finalized in parallel; one failure does not stop the rest.
func (s *Scheduler) FinalizeDue(ctx context.Context) (Report, error) {
	candidates, err := s.lister.ListChallenges(ctx, model.StatusActive, model.StatusFinalizing)
	if err != nil {
		return Report{}, err
	}
	now := s.now()

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, c := range candidates {
		if c.Status == model.StatusActive && now.Before(c.EndAt) {
			continue
		}
		c := c
		g.Go(func() error {
			res, err := s.finalizer.Finalize(gctx, c.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Finalized++
				log.Info().
					Str("challenge_id", c.ID).
					Str("status", string(res.Status)).
					Int("winners", res.WinnersCount).
					Msg("scheduled finalization done")
			case errors.Is(err, model.ErrAlreadyInProgress), errors.Is(err, model.ErrNotEnded):
				report.Skipped++
			default:
				report.Failed++
				log.Error().Err(err).Str("challenge_id", c.ID).Msg("scheduled finalization failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
