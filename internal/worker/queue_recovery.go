package worker

import (
	"context"
	"time"

	"github.com/ignite/drip-engine/internal/domain"
	"github.com/ignite/drip-engine/internal/service/sending"
)

// =============================================================================
// PENDING SWEEPER - Re-drives requests the queue never saw or lost
// =============================================================================
// Requests stay pending when the broker was down at schedule time and they
// were not yet due, or when the enqueue itself failed. Requests stay queued
// forever if Redis lost the member or a worker crashed after claiming it.
// The sweeper periodically scans for both and hands them back to the
// dispatcher or the queue.

const (
	// DefaultSweepInterval is how often we scan for stranded requests.
	DefaultSweepInterval = time.Minute

	// DefaultStaleAge is how long a request may sit untouched before the
	// sweeper considers it stranded.
	DefaultStaleAge = 5 * time.Minute

	// DefaultSweepBatch caps the rows handled per status per pass.
	DefaultSweepBatch = 200
)

// Scheduler hands a request to the queue or runs it inline.
// *sending.Dispatcher satisfies it.
type Scheduler interface {
	Schedule(ctx context.Context, req *domain.SendRequest) error
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Rescheduled int
	Requeued    int
	Skipped     int
	Failed      int
}

// PendingSweeper periodically re-drives stranded pending and queued requests.
type PendingSweeper struct {
	requests  sending.RequestRepository
	scheduler Scheduler
	queue     sending.TaskQueue
	interval  time.Duration // scan every minute by default
	staleAge  time.Duration // rows untouched for 5 minutes are stranded
	batch     int
	now       func() time.Time
}

// NewPendingSweeper creates a sweeper. queue may be nil in sync-only
// deployments; stale queued rows are then rescheduled inline.
func NewPendingSweeper(requests sending.RequestRepository, scheduler Scheduler, queue sending.TaskQueue, interval, staleAge time.Duration) *PendingSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &PendingSweeper{
		requests:  requests,
		scheduler: scheduler,
		queue:     queue,
		interval:  interval,
		staleAge:  staleAge,
		batch:     DefaultSweepBatch,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (s *PendingSweeper) SetClock(now func() time.Time) { s.now = now }

// Start begins the sweep loop. It blocks until ctx is cancelled.
func (s *PendingSweeper) Start(ctx context.Context) {
	log.Info("pending sweeper starting", "interval", s.interval.String(), "stale_age", s.staleAge.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("pending sweeper stopping")
			return
		case <-ticker.C:
			res := s.SweepOnce(ctx)
			if res.Rescheduled+res.Requeued+res.Failed > 0 {
				log.Info("sweep complete",
					"rescheduled", res.Rescheduled, "requeued", res.Requeued,
					"skipped", res.Skipped, "failed", res.Failed)
			}
		}
	}
}

// SweepOnce performs a single pass:
//  1. Reschedule pending requests that are due and untouched for staleAge.
//  2. Re-enqueue queued requests overdue by staleAge.
func (s *PendingSweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.now().UTC()
	cutoff := now.Add(-s.staleAge)

	pending, err := s.requests.ListStale(ctx, domain.SendPending, now, cutoff, s.batch)
	if err != nil {
		log.Error("list stale pending failed", "error", err)
	}
	for i := range pending {
		s.reschedule(ctx, &pending[i], &res)
	}

	queued, err := s.requests.ListStale(ctx, domain.SendQueued, cutoff, cutoff, s.batch)
	if err != nil {
		log.Error("list stale queued failed", "error", err)
	}
	brokerUp := s.queue != nil && s.queue.IsBrokerAvailable(ctx)
	for i := range queued {
		req := &queued[i]
		if !brokerUp {
			s.reschedule(ctx, req, &res)
			continue
		}
		if err := s.queue.Enqueue(ctx, req.ID, req.ScheduledFor); err != nil {
			log.Warn("requeue failed", "request_id", req.ID, "error", err)
			res.Failed++
			continue
		}
		// Touch so the next pass does not pick it up again right away.
		if err := s.requests.Annotate(ctx, req.ID, ""); err != nil {
			log.Debug("touch requeued request failed", "request_id", req.ID, "error", err)
		}
		res.Requeued++
	}
	return res
}

func (s *PendingSweeper) reschedule(ctx context.Context, req *domain.SendRequest, res *SweepResult) {
	err := s.scheduler.Schedule(ctx, req)
	switch {
	case err == nil:
		res.Rescheduled++
	case sending.IsSkip(err):
		res.Skipped++
	default:
		log.Warn("reschedule failed", "request_id", req.ID, "error", err)
		res.Failed++
	}
}
