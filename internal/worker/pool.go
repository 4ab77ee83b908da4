package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/drip-engine/internal/pkg/logger"
	"github.com/ignite/drip-engine/internal/service/sending"
)

var log = logger.New("worker")

const (
	DefaultWorkers      = 4
	DefaultPollInterval = 5 * time.Second
	DefaultExecTimeout  = 60 * time.Second
	DefaultClaimBatch   = 50
)

// Executor performs one delivery attempt. *sending.Dispatcher satisfies it.
type Executor interface {
	Execute(ctx context.Context, id string) error
}

// Claimer is the consumer side of the delayed queue.
type Claimer interface {
	Claim(ctx context.Context, limit int) ([]string, error)
	NextDue(ctx context.Context) (time.Time, bool, error)
	Enqueue(ctx context.Context, id string, notBefore time.Time) error
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	ExecTimeout  time.Duration
	ClaimBatch   int
}

func (c *PoolConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = DefaultClaimBatch
	}
}

// Pool claims due request ids from the queue and hands them to N workers.
type Pool struct {
	queue Claimer
	exec  Executor
	cfg   PoolConfig
	now   func() time.Time
}

// NewPool creates a worker pool.
func NewPool(queue Claimer, exec Executor, cfg PoolConfig) *Pool {
	cfg.applyDefaults()
	return &Pool{queue: queue, exec: exec, cfg: cfg, now: time.Now}
}

// Run blocks until ctx is cancelled or the poller fails.
func (p *Pool) Run(ctx context.Context) error {
	log.Info("worker pool starting", "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval.String())

	jobs := make(chan string, p.cfg.Workers*2)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		return p.poll(gctx, jobs)
	})
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for id := range jobs {
				p.handle(gctx, id)
			}
			return nil
		})
	}

	err := g.Wait()
	log.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) poll(ctx context.Context, jobs chan<- string) error {
	for {
		ids, err := p.queue.Claim(ctx, p.cfg.ClaimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("claim failed", "error", err)
		}
		for i, id := range ids {
			select {
			case jobs <- id:
			case <-ctx.Done():
				p.requeue(ids[i:])
				return ctx.Err()
			}
		}
		if len(ids) == p.cfg.ClaimBatch {
			continue
		}

		timer := time.NewTimer(p.wait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// wait sleeps until the earliest queued item, bounded by the poll interval.
func (p *Pool) wait(ctx context.Context) time.Duration {
	at, ok, err := p.queue.NextDue(ctx)
	if err != nil || !ok {
		return p.cfg.PollInterval
	}
	d := at.Sub(p.now())
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > p.cfg.PollInterval {
		d = p.cfg.PollInterval
	}
	return d
}

// requeue puts claimed ids back when shutdown interrupts the hand-off.
func (p *Pool) requeue(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := p.queue.Enqueue(ctx, id, p.now()); err != nil {
			log.Warn("requeue on shutdown failed", "request_id", id, "error", err)
		}
	}
}

func (p *Pool) handle(ctx context.Context, id string) {
	// Finish an in-flight delivery even when shutdown begins.
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ExecTimeout)
	defer cancel()

	start := time.Now()
	err := p.exec.Execute(ectx, id)
	switch {
	case err == nil:
		log.Debug("request executed", "request_id", id, "duration_ms", time.Since(start).Milliseconds())
	case sending.IsSkip(err):
		log.Info("request skipped", "request_id", id, "reason", err)
	default:
		log.Error("request failed", "request_id", id, "error", err)
	}
}
