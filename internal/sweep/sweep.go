// Package sweep periodically re-verifies every batch chain so tampering is
// noticed even when nobody asks for a verification report.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/robfig/cron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSchedule runs a sweep ten seconds past every hour.
const DefaultSchedule = "10 0 * * * *"

// Config holds sweep configuration.
type Config struct {
	// Schedule is a six-field cron spec (with seconds).
	Schedule string
	// Concurrency bounds how many batches are verified at once.
	Concurrency int
	// PageSize is how many batches are listed per store round trip.
	PageSize int
	// Timeout bounds one full sweep.
	Timeout time.Duration
}

// Ledger is the part of ledger.Service a sweep needs.
type Ledger interface {
	ListBatches(ctx context.Context, limit, offset int) ([]*ledger.Batch, error)
	VerifyChainIntegrity(ctx context.Context, batchID uuid.UUID) (*ledger.VerificationReport, error)
}

// Summary is the outcome of one sweep.
type Summary struct {
	Checked  int
	Invalid  int
	Failed   []uuid.UUID
	Duration time.Duration
}

// ResultFunc is an optional callback invoked after every scheduled sweep.
// err is non-nil when the sweep could not complete; sum then holds the
// batches checked before it stopped.
type ResultFunc func(sum Summary, err error)

// Sweeper runs integrity sweeps on a cron schedule.
type Sweeper struct {
	ledger   Ledger
	cfg      Config
	cron     *cron.Cron
	running  sync.Mutex
	stopped  bool // guarded by running
	halt     context.Context
	cancel   context.CancelFunc
	onResult ResultFunc
	logger   *zap.Logger
}

// New creates a Sweeper. Zero config fields take defaults.
func New(l Ledger, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	halt, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		ledger: l,
		cfg:    cfg,
		cron:   cron.New(),
		halt:   halt,
		cancel: cancel,
		logger: logger,
	}
}

// SetResultFunc configures the post-sweep callback.
func (s *Sweeper) SetResultFunc(fn ResultFunc) {
	s.onResult = fn
}

// Start schedules sweeps. It fails on an invalid cron spec.
func (s *Sweeper) Start() error {
	if _, err := cron.Parse(s.cfg.Schedule); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	if err := s.cron.AddFunc(s.cfg.Schedule, s.scheduled); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("integrity sweep scheduled",
		zap.String("schedule", s.cfg.Schedule),
		zap.Int("concurrency", s.cfg.Concurrency),
	)
	return nil
}

// Stop halts the scheduler, cancels a sweep in flight and waits for it to
// return. No result callback runs after Stop returns.
func (s *Sweeper) Stop() {
	s.cron.Stop()
	s.cancel()
	s.running.Lock()
	s.stopped = true
	s.running.Unlock()
}

func (s *Sweeper) scheduled() {
	// Skip this tick if the previous sweep is still going.
	if !s.running.TryLock() {
		s.logger.Warn("integrity sweep still running, skipping tick")
		return
	}
	defer s.running.Unlock()
	if s.stopped {
		return
	}

	ctx, cancel := context.WithTimeout(s.halt, s.cfg.Timeout)
	defer cancel()

	sum, err := s.run(ctx)
	if s.halt.Err() != nil {
		s.logger.Info("integrity sweep interrupted by shutdown", zap.Int("checked", sum.Checked))
		return
	}
	if err != nil {
		s.logger.Error("integrity sweep", zap.Error(err))
	}
	if s.onResult != nil {
		s.onResult(sum, err)
	}
}

// RunOnce verifies every batch now and returns the totals.
func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var (
		mu  sync.Mutex
		sum Summary
	)

	for offset := 0; ; offset += s.cfg.PageSize {
		batches, err := s.ledger.ListBatches(ctx, s.cfg.PageSize, offset)
		if err != nil {
			return sum, fmt.Errorf("list batches at %d: %w", offset, err)
		}

		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(s.cfg.Concurrency)
		for _, b := range batches {
			b := b
			group.Go(func() error {
				report, err := s.ledger.VerifyChainIntegrity(gctx, b.ID)
				if errors.Is(err, ledger.ErrBatchNotFound) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("verify %s: %w", b.ID, err)
				}

				mu.Lock()
				defer mu.Unlock()
				sum.Checked++
				if !report.Valid {
					sum.Invalid++
					sum.Failed = append(sum.Failed, b.ID)
					s.logger.Warn("integrity sweep: chain invalid",
						zap.String("batch_id", b.ID.String()),
						zap.String("code", b.Code),
						zap.Int("findings", len(report.Errors)),
					)
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return sum, err
		}

		if len(batches) < s.cfg.PageSize {
			break
		}
	}

	sum.Duration = time.Since(start)
	s.logger.Info("integrity sweep finished",
		zap.Int("checked", sum.Checked),
		zap.Int("invalid", sum.Invalid),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}
