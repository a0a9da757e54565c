// Package jobs runs the scheduled reconciliation sweeps: unpaid contract
// cancellation, deliverable auto-approval and overdue expiry.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/logging"
	"escrowline/internal/telemetry"
)

const (
	AutoCancelUnpaid = "auto_cancel_unpaid"
	AutoApprove      = "auto_approve"
	ExpireOverdue    = "expire_overdue"
)

// Names lists the jobs in the order RunAll executes them.
var Names = []string{AutoCancelUnpaid, AutoApprove, ExpireOverdue}

// ErrLocked is returned when another process holds the sweep lock.
var ErrLocked = errors.New("another sweep is already running")

type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult summarizes one bounded pass of a job.
type BatchResult struct {
	Job      string         `json:"job"`
	Scanned  int            `json:"scanned"`
	Outcomes map[string]int `json:"outcomes"`
	Failed   int            `json:"failed"`
	Errors   []ItemError    `json:"errors,omitempty"`
}

// Runner processes one batch per job invocation. Item failures are logged
// and counted; they never abort the batch.
type Runner struct {
	Engine    engine.Engine
	BatchSize int
	Logger    *slog.Logger
}

func NewRunner(e engine.Engine, batchSize int, logger *slog.Logger) Runner {
	return Runner{Engine: e, BatchSize: batchSize, Logger: logging.NewComponentLogger(logging.Or(logger), "jobs")}
}

func (r Runner) batchSize() int {
	if r.BatchSize <= 0 {
		return 50
	}
	return r.BatchSize
}

// Run executes one batch of job.
func (r Runner) Run(ctx context.Context, job string) (BatchResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "jobs."+job)
	defer span.End()

	ids, step, err := r.plan(ctx, job)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return BatchResult{Job: job}, err
	}
	res := r.runBatch(ctx, job, ids, step)
	span.SetAttributes(
		attribute.String("job.name", job),
		attribute.Int("job.scanned", res.Scanned),
		attribute.Int("job.failed", res.Failed),
	)
	return res, nil
}

func (r Runner) plan(ctx context.Context, job string) ([]string, func(context.Context, string) (string, error), error) {
	limit := r.batchSize()
	switch job {
	case AutoCancelUnpaid:
		items, err := r.Engine.StaleUnpaidContracts(ctx, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("list stale unpaid contracts: %w", err)
		}
		ids := make([]string, 0, len(items))
		for _, c := range items {
			ids = append(ids, c.ID)
		}
		return ids, r.Engine.AutoCancelUnpaid, nil
	case AutoApprove:
		items, err := r.Engine.ReviewExpiredDeliverables(ctx, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("list review-expired deliverables: %w", err)
		}
		return deliverableIDs(items), r.Engine.AutoApprove, nil
	case ExpireOverdue:
		items, err := r.Engine.OverdueDeliverables(ctx, limit)
		if err != nil {
			return nil, nil, fmt.Errorf("list overdue deliverables: %w", err)
		}
		return deliverableIDs(items), r.Engine.ExpireOverdue, nil
	default:
		return nil, nil, fmt.Errorf("unknown job %q", job)
	}
}

func deliverableIDs(items []domain.Deliverable) []string {
	ids := make([]string, 0, len(items))
	for _, d := range items {
		ids = append(ids, d.ID)
	}
	return ids
}

func (r Runner) runBatch(ctx context.Context, job string, ids []string, step func(context.Context, string) (string, error)) BatchResult {
	logger := logging.Or(r.Logger).With(slog.String(logging.FieldJob, job))
	res := BatchResult{Job: job, Scanned: len(ids), Outcomes: map[string]int{}}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		outcome, err := step(ctx, id)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ItemError{ID: id, Error: err.Error()})
			logger.Error("sweep item failed", slog.String(logging.FieldContractID, id), logging.Error(err))
			continue
		}
		res.Outcomes[outcome]++
		if outcome != engine.SweepSkipped {
			logger.Info("sweep item processed", slog.String(logging.FieldContractID, id), slog.String("outcome", outcome))
		}
	}
	logger.Info("sweep batch finished", slog.Int("scanned", res.Scanned), slog.Int("failed", res.Failed))
	return res
}

// RunAll runs one batch of every job.
func (r Runner) RunAll(ctx context.Context) ([]BatchResult, error) {
	var out []BatchResult
	var errs []error
	for _, job := range Names {
		res, err := r.Run(ctx, job)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// LockFile is the lock guarding job inside dir.
func LockFile(dir, job string) string {
	return filepath.Join(dir, "sweep-"+job+".lock")
}

// RunLocked runs fn while holding an exclusive file lock at path, so cron
// invocations never overlap.
func RunLocked(ctx context.Context, path string, fn func(context.Context) error) error {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	defer lock.Unlock()
	return fn(ctx)
}

// Scheduler runs every job on its own ticker until the context ends.
type Scheduler struct {
	Runner    Runner
	Intervals map[string]time.Duration
	// LockDir holds per-job lock files shared with `el sweep`; empty disables locking.
	LockDir string
}

// Run blocks until ctx is cancelled. Each job runs once at start and then on
// its interval; ticks that find the lock held are skipped.
func (s Scheduler) Run(ctx context.Context) error {
	logger := logging.Or(s.Runner.Logger)
	jobs := make([]string, 0, len(s.Intervals))
	for job, every := range s.Intervals {
		if every > 0 {
			jobs = append(jobs, job)
		}
	}
	sort.Strings(jobs)
	if len(jobs) == 0 {
		return errors.New("scheduler has no jobs with a positive interval")
	}
	done := make(chan struct{}, len(jobs))
	for _, job := range jobs {
		go func(job string, every time.Duration) {
			defer func() { done <- struct{}{} }()
			s.tick(ctx, job)
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.tick(ctx, job)
				}
			}
		}(job, s.Intervals[job])
		logger.Info("job scheduled", slog.String(logging.FieldJob, job), slog.Duration("every", s.Intervals[job]))
	}
	for range jobs {
		<-done
	}
	return ctx.Err()
}

func (s Scheduler) tick(ctx context.Context, job string) {
	logger := logging.Or(s.Runner.Logger).With(slog.String(logging.FieldJob, job))
	run := func(ctx context.Context) error {
		_, err := s.Runner.Run(ctx, job)
		return err
	}
	var err error
	if s.LockDir != "" {
		err = RunLocked(ctx, LockFile(s.LockDir, job), run)
	} else {
		err = run(ctx)
	}
	switch {
	case errors.Is(err, ErrLocked):
		logger.Debug("sweep skipped; lock held")
	case err != nil:
		logger.Error("sweep failed", logging.Error(err))
	}
}
