package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/metrics"
)

// State is the scheduler's position in a sync cycle
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateReconciling State = "reconciling"
	StateApplying    State = "applying"
	StateBackoff     State = "backoff"
)

var allStates = []string{
	string(StateIdle),
	string(StateFetching),
	string(StateReconciling),
	string(StateApplying),
	string(StateBackoff),
}

// ExitReason says why Run returned
type ExitReason string

const (
	ExitConverged     ExitReason = "converged"
	ExitMaxIterations ExitReason = "max_iterations"
	ExitCancelled     ExitReason = "cancelled"
)

// Scheduling modes
const (
	ModeLoop  = "loop"
	ModeDaily = "daily"
)

// ErrPassesFailing is returned when the scheduler gave up because every recent pass failed
var ErrPassesFailing = errors.New("sync passes keep failing")

// PassRunner runs one pass for one target
type PassRunner interface {
	Run(ctx context.Context, target Target, onState func(State)) (*PassSummary, error)
}

// SchedulerConfig configures the scheduler
type SchedulerConfig struct {
	Mode            string
	DailyHour       int
	MaxIterations   int
	MaxNoProgress   int
	BackoffSchedule []time.Duration
	Workers         int
	// MaxConnections caps Workers so every worker can hold a connection.
	MaxConnections int
	Location       *time.Location
}

// RunReport describes a finished Run
type RunReport struct {
	Reason     ExitReason
	Iterations int
	Applied    int
	Failed     int
	LastErr    error
}

// Scheduler drives passes until they stop producing changes
type Scheduler struct {
	runner  PassRunner
	targets []Target
	cfg     SchedulerConfig

	mu    sync.Mutex
	state State

	onState   func(from, to State)
	afterPass func(ctx context.Context)
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    zerolog.Logger
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithStateHook observes every state transition
func WithStateHook(fn func(from, to State)) SchedulerOption {
	return func(s *Scheduler) { s.onState = fn }
}

// WithAfterPass runs fn after every pass, e.g. to refresh dashboard aggregates
func WithAfterPass(fn func(ctx context.Context)) SchedulerOption {
	return func(s *Scheduler) { s.afterPass = fn }
}

// WithSleep replaces the backoff and daily wait
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SchedulerOption {
	return func(s *Scheduler) { s.sleep = fn }
}

// WithClock replaces the wall clock used by daily mode
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a Scheduler
func NewScheduler(runner PassRunner, targets []Target, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	if cfg.Mode == "" {
		cfg.Mode = ModeLoop
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxNoProgress <= 0 {
		cfg.MaxNoProgress = 2
	}
	if len(cfg.BackoffSchedule) == 0 {
		cfg.BackoffSchedule = []time.Duration{30 * time.Second, 2 * time.Minute}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	s := &Scheduler{
		runner:  runner,
		targets: targets,
		cfg:     cfg,
		state:   StateIdle,
		sleep:   sleepCtx,
		now:     time.Now,
		logger:  logging.Component("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	hook := s.onState
	s.mu.Unlock()

	metrics.SetSchedulerState(allStates, string(to))
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Scheduler state changed")
	if hook != nil {
		hook(from, to)
	}
}

// workers is the effective concurrency of one pass.
func (s *Scheduler) workers() int {
	n := max(s.cfg.Workers, 1)
	if s.cfg.MaxConnections > 0 {
		n = min(n, s.cfg.MaxConnections)
	}
	return min(n, max(len(s.targets), 1))
}

// Run drives passes according to the configured mode.
func (s *Scheduler) Run(ctx context.Context) (*RunReport, error) {
	if s.cfg.Mode == ModeDaily {
		return s.runDaily(ctx)
	}
	return s.runLoop(ctx)
}

// runLoop runs passes back to back until they converge, the iteration
// ceiling is hit, or ctx is done.
func (s *Scheduler) runLoop(ctx context.Context) (*RunReport, error) {
	report := &RunReport{}
	noProgress := 0
	failedStreak := 0

	defer s.setState(StateIdle)

	for report.Iterations < s.cfg.MaxIterations {
		if ctx.Err() != nil {
			report.Reason = ExitCancelled
			return report, nil
		}

		report.Iterations++
		applied, err := s.runPass(ctx)
		report.Applied += applied
		if ctx.Err() != nil {
			report.Reason = ExitCancelled
			return report, nil
		}

		if err != nil {
			report.Failed++
			report.LastErr = err
			failedStreak++
			s.logger.Error().Err(err).Int("iteration", report.Iterations).Msg("Sync pass failed")
		} else {
			failedStreak = 0
		}

		if err == nil && applied > 0 {
			noProgress = 0
			s.setState(StateIdle)
			continue
		}

		noProgress++
		if noProgress >= s.cfg.MaxNoProgress {
			report.Reason = ExitConverged
			if failedStreak >= noProgress {
				return report, fmt.Errorf("%w: %w", ErrPassesFailing, report.LastErr)
			}
			s.logger.Info().Int("iterations", report.Iterations).Msg("Sync converged")
			return report, nil
		}
		if report.Iterations >= s.cfg.MaxIterations {
			break
		}

		wait := s.cfg.BackoffSchedule[min(noProgress-1, len(s.cfg.BackoffSchedule)-1)]
		s.setState(StateBackoff)
		s.logger.Info().Dur("wait", wait).Int("no_progress", noProgress).Msg("No progress, backing off")
		if err := s.sleep(ctx, wait); err != nil {
			report.Reason = ExitCancelled
			return report, nil
		}
		s.setState(StateIdle)
	}

	report.Reason = ExitMaxIterations
	s.logger.Warn().Int("iterations", report.Iterations).Msg("Sync stopped at iteration ceiling")
	return report, nil
}

// runDaily waits for the configured hour, loops until convergence and repeats until ctx is done.
func (s *Scheduler) runDaily(ctx context.Context) (*RunReport, error) {
	total := &RunReport{}
	for {
		wait := s.untilNextRun()
		s.logger.Info().Dur("wait", wait).Int("hour", s.cfg.DailyHour).Msg("Waiting for daily sync")
		if err := s.sleep(ctx, wait); err != nil {
			total.Reason = ExitCancelled
			return total, nil
		}

		report, err := s.runLoop(ctx)
		total.Iterations += report.Iterations
		total.Applied += report.Applied
		total.Failed += report.Failed
		if report.LastErr != nil {
			total.LastErr = report.LastErr
		}
		if report.Reason == ExitCancelled {
			total.Reason = ExitCancelled
			return total, nil
		}
		if err != nil {
			// a bad day does not stop the daemon
			s.logger.Error().Err(err).Msg("Daily sync gave up")
		}
	}
}

// untilNextRun returns the time until the next DailyHour in the configured location.
func (s *Scheduler) untilNextRun() time.Duration {
	now := s.now().In(s.cfg.Location)
	next := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.DailyHour, 0, 0, 0, s.cfg.Location)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// runPass runs every target once with at most workers() in flight.
func (s *Scheduler) runPass(ctx context.Context) (int, error) {
	s.setState(StateFetching)

	var (
		mu      sync.Mutex
		applied int
		errs    []error
		g       errgroup.Group
	)
	g.SetLimit(s.workers())

	for _, target := range s.targets {
		g.Go(func() error {
			start := time.Now()
			summary, err := s.runner.Run(ctx, target, s.setState)

			outcome := "applied"
			switch {
			case err != nil:
				outcome = "failed"
			case summary == nil || summary.Applied == 0:
				outcome = "no_progress"
			}
			metrics.RecordPass(target.Jurisdiction, outcome, time.Since(start))

			if summary != nil {
				summary.PrintSummary(s.logger)
			}

			mu.Lock()
			defer mu.Unlock()
			if summary != nil {
				applied += summary.Applied
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", target, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.afterPass != nil && ctx.Err() == nil {
		s.afterPass(ctx)
	}

	return applied, errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
