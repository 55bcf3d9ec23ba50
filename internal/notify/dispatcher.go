// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/observability"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// Dispatcher defaults.
const (
	DefaultWorkers     = 2
	DefaultSendTimeout = 30 * time.Second
	popErrorBackoff    = time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithSendTimeout bounds a single delivery attempt.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records delivery outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher implements auth.Notifier. NotifyPasswordReset enqueues a Job and
// returns; worker goroutines deliver it through a Sender. Delivery failures
// are logged and counted but never retried or reported to the caller.
type Dispatcher struct {
	queue       Queue
	sender      Sender
	logger      *slog.Logger
	metrics     *observability.Metrics
	workers     int
	sendTimeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool
}

// NewDispatcher creates a Dispatcher. Workers are started by Start.
func NewDispatcher(queue Queue, sender Sender, opts ...Option) (*Dispatcher, error) {
	if queue == nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("queue is required")
	}
	if sender == nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("sender is required")
	}

	d := &Dispatcher{
		queue:       queue,
		sender:      sender,
		logger:      slog.Default(),
		workers:     DefaultWorkers,
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start launches the worker pool. Calling Start twice is an error.
func (d *Dispatcher) Start() error {
	if d.closed.Load() {
		return oops.Code("NOTIFY_DISPATCHER_CLOSED").Errorf("dispatcher is closed")
	}
	if !d.started.CompareAndSwap(false, true) {
		return oops.Code("NOTIFY_DISPATCHER_RUNNING").Errorf("dispatcher already started")
	}
	for i := range d.workers {
		d.wg.Add(1)
		go d.work(i)
	}
	d.logger.Info("notification dispatcher started", "workers", d.workers)
	return nil
}

// NotifyPasswordReset enqueues a reset notification for email. It does not
// wait for delivery.
func (d *Dispatcher) NotifyPasswordReset(ctx context.Context, email, token string) error {
	if d.closed.Load() {
		return oops.Code("NOTIFY_DISPATCHER_CLOSED").Errorf("dispatcher is closed")
	}
	if err := d.queue.Push(ctx, Job{Email: email, Token: token}); err != nil {
		d.metrics.RecordNotification(observability.NotificationDropped)
		return oops.Code("NOTIFY_ENQUEUE_FAILED").Wrap(err)
	}
	return nil
}

// Close stops accepting jobs, lets workers drain what is already queued, and
// waits for them until ctx is done. Workers still running when ctx expires
// are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer d.cancel()

	if err := d.queue.Close(); err != nil {
		d.logger.Warn("closing notification queue failed", "error", err)
	}
	if !d.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return oops.Code("NOTIFY_DRAIN_TIMEOUT").Wrap(ctx.Err())
	}
}

func (d *Dispatcher) work(id int) {
	defer d.wg.Done()
	logger := d.logger.With("worker", id)

	for {
		job, err := d.queue.Pop(d.ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || d.ctx.Err() != nil {
				return
			}
			logger.Warn("notification queue pop failed", "error", err)
			select {
			case <-time.After(popErrorBackoff):
			case <-d.ctx.Done():
				return
			}
			continue
		}
		d.deliver(logger, job)
	}
}

func (d *Dispatcher) deliver(logger *slog.Logger, job Job) {
	ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
	defer cancel()

	if err := d.sender.Send(ctx, job); err != nil {
		d.metrics.RecordNotification(observability.NotificationFailed)
		errutil.LogError(logger, "password reset notification failed", err)
		return
	}
	d.metrics.RecordNotification(observability.NotificationSent)
	logger.Debug("password reset notification sent")
}
