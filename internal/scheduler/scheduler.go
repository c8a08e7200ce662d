package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	invitationdomain "github.com/smallbiznis/tenancy/internal/invitation/domain"
	obsmetrics "github.com/smallbiznis/tenancy/internal/observability/metrics"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireInvitations = "expire_invitations"

	lockKeyPrefix = "tenancy:scheduler:"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	InvitationSvc invitationdomain.Service
	Locker        *ratelimit.Locker            `optional:"true"`
	Metrics       *obsmetrics.SchedulerMetrics `optional:"true"`
	Config        Config                       `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	invitationSvc invitationdomain.Service
	locker        *ratelimit.Locker
	metrics       *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.InvitationSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		invitationSvc: p.InvitationSvc,
		locker:        p.Locker,
		metrics:       p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	// A deadline only stops this run; the next tick picks up the remainder.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withLock runs fn only while this replica holds the job lock. Without redis
// every replica sweeps; the sweep's conditional updates make that safe.
func (s *Scheduler) withLock(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	lease, err := s.locker.Acquire(ctx, lockKeyPrefix+job, s.cfg.LockTTL)
	switch {
	case errors.Is(err, ratelimit.ErrLockNotConfigured):
		return fn(ctx)
	case err != nil:
		return fmt.Errorf("acquire lock: %w", err)
	case lease == nil:
		s.metrics.IncJobSkipped(job, obsmetrics.SchedulerSkipReasonLockHeld)
		s.logger(ctx).Debug("scheduler.job.skipped",
			zap.String("job", job),
			zap.String("reason", obsmetrics.SchedulerSkipReasonLockHeld),
		)
		return nil
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.logger(ctx).Warn("failed to release scheduler lock", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// RunOnce executes every job a single time.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.runJob(parent, JobExpireInvitations, s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
		return s.withLock(ctx, JobExpireInvitations, s.ExpireInvitationsJob)
	})
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	if err := s.RunOnce(ctx); err != nil {
		s.log.Warn("scheduler run failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if runLag := time.Since(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

// ExpireInvitationsJob drains pending invitations past their expiry in
// batches. Reads already treat such rows as expired, so this only keeps
// stored status in line with effective status.
func (s *Scheduler) ExpireInvitationsJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.invitationSvc.Sweep(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "invitation sweep failed", JobExpireInvitations, err,
				zap.Int("batch", batch),
			)
			return err
		}
		run.AddProcessed(int(n))
		s.metrics.AddBatchProcessed(JobExpireInvitations, obsmetrics.ResourceInvitations, int(n))
		if n < int64(s.cfg.BatchSize) {
			return nil
		}
	}
	return nil
}
