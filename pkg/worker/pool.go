package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jwalitptl/opd-queue/pkg/metrics"
)

var (
	ErrQueueFull = errors.New("worker queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

// Job is one unit of background work. Run is retried on error; OnFailure, if
// set, is called once the last attempt has failed.
type Job struct {
	Name      string
	Run       func(ctx context.Context) error
	OnFailure func(err error)
}

type PoolConfig struct {
	Workers       int
	QueueSize     int
	RetryAttempts int
	RetryDelay    time.Duration
}

// Pool runs jobs on a fixed number of goroutines. Submit never blocks: when
// the queue is full the job is rejected.
type Pool struct {
	config  PoolConfig
	jobs    chan Job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewPool(config PoolConfig, logger zerolog.Logger, m *metrics.Metrics) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if m == nil {
		m = metrics.NewTest()
	}
	return &Pool{
		config:  config,
		jobs:    make(chan Job, config.QueueSize),
		logger:  logger,
		metrics: m,
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop drains
// the queue.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info().Int("workers", p.config.Workers).Msg("starting worker pool")
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

// Stop closes the queue and waits for queued jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		p.metrics.WorkerJobs.WithLabelValues(job.Name, "queued").Inc()
		return nil
	default:
		p.metrics.WorkerJobs.WithLabelValues(job.Name, "rejected").Inc()
		return ErrQueueFull
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	err := retry(ctx, p.config.RetryAttempts, p.config.RetryDelay, job.Run)
	if err == nil {
		p.metrics.WorkerJobs.WithLabelValues(job.Name, "succeeded").Inc()
		return
	}

	p.metrics.WorkerJobs.WithLabelValues(job.Name, "failed").Inc()
	p.logger.Warn().Err(err).Str("job", job.Name).Int("attempts", p.config.RetryAttempts).Msg("job failed")
	if job.OnFailure != nil {
		job.OnFailure(err)
	}
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}
