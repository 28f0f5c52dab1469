// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package jobexecutor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenrepo/internal/appcontext"
	otelPkg "github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/pbinitiative/zenrepo/pkg/zenflake"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var ErrNoHandler = errors.New("no handler registered for job")

// Executor polls the storage for due jobs and runs them through the handler registered for their handler type.
// Every job runs in its own batch together with its removal, a failed job stays with one retry less.
type Executor struct {
	store        storage.Storage
	handlers     map[string]repository.JobHandler
	metrics      *otelPkg.RepositoryMetrics
	logger       hclog.Logger
	pollInterval time.Duration
	batchSize    int
	retryDelay   time.Duration
	now          func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option = func(*Executor)

func New(store storage.Storage, handlers map[string]repository.JobHandler, metrics *otelPkg.RepositoryMetrics, options ...Option) *Executor {
	e := &Executor{
		store:        store,
		handlers:     handlers,
		metrics:      metrics,
		logger:       hclog.Default().Named("job-executor"),
		pollInterval: time.Second,
		batchSize:    50,
		retryDelay:   10 * time.Second,
		now:          time.Now,
	}
	for _, option := range options {
		option(e)
	}
	if e.metrics == nil {
		// noop instruments never fail to register
		e.metrics, _ = otelPkg.NewMetrics(noop.NewMeterProvider().Meter("zenrepo-job-executor"))
	}
	return e
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

func WithBatchSize(size int) Option {
	return func(e *Executor) { e.batchSize = size }
}

// WithRetryDelay sets how long a failed job waits before it is due again
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) { e.retryDelay = d }
}

func WithLogger(logger hclog.Logger) Option {
	return func(e *Executor) { e.logger = logger.Named("job-executor") }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	e.logger.Info("job executor started", "pollInterval", e.pollInterval, "batchSize", e.batchSize)
}

// Stop waits for the running poll to finish
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("job executor stopped")
}

func (e *Executor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunDue(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error(fmt.Sprintf("Failed to poll jobs for processing: %s", err))
			}
		}
	}
}

// RunDue executes the jobs due now, at most one batch size of them, and returns how many succeeded
func (e *Executor) RunDue(ctx context.Context) (int, error) {
	jobs, err := e.store.FindDueJobs(ctx, e.now(), e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find due jobs: %w", err)
	}
	executed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}
		if err := e.execute(ctx, job); err != nil {
			e.fail(ctx, job, err)
			continue
		}
		executed++
	}
	return executed, nil
}

func (e *Executor) execute(ctx context.Context, job runtime.Job) error {
	handler, ok := e.handlers[job.HandlerType]
	if !ok {
		return fmt.Errorf("%w %d: %s", ErrNoHandler, job.Key, job.HandlerType)
	}
	ctx = appcontext.WithOperation(ctx, job.HandlerType, job.Key)
	batch := e.store.NewBatch()
	if err := handler(ctx, batch, job); err != nil {
		return err
	}
	if err := batch.DeleteJob(ctx, job.Key); err != nil {
		return err
	}
	if err := batch.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush job %d: %w", job.Key, err)
	}
	e.metrics.JobsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String(otelPkg.AttributeHandlerType, job.HandlerType)))
	e.logger.Debug("job executed", "key", job.Key, "handlerType", job.HandlerType, "createdBy", zenflake.NodeOf(job.Key))
	return nil
}

// fail stores the job with one retry less, a job without retries is no longer due
func (e *Executor) fail(ctx context.Context, job runtime.Job, cause error) {
	e.metrics.JobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(otelPkg.AttributeHandlerType, job.HandlerType)))
	job.Retries--
	due := e.now().Add(e.retryDelay)
	job.DueDate = &due
	if job.Retries <= 0 {
		job.Retries = 0
		e.logger.Error("job failed without retries left", "key", job.Key, "handlerType", job.HandlerType, "err", cause)
	} else {
		e.logger.Warn("job failed", "key", job.Key, "handlerType", job.HandlerType, "retries", job.Retries, "err", cause)
	}
	batch := e.store.NewBatch()
	if err := batch.SaveJob(ctx, job); err != nil {
		e.logger.Error("failed to record job failure", "key", job.Key, "err", err)
		return
	}
	if err := batch.Flush(ctx); err != nil {
		e.logger.Error("failed to record job failure", "key", job.Key, "err", err)
	}
}
