package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/metrics"
	"github.com/Gopher0727/GameNight/internal/models"
)

// Outbox is the slice of the outbox repository the dispatcher needs.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]models.Notification, error)
	MarkSent(ctx context.Context, id int64, attempts int, at time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error
}

// Dispatcher drains pending outbox rows in id order. Each row is retried with
// bounded exponential backoff, then marked sent or failed.
type Dispatcher struct {
	outbox   Outbox
	sink     Sink
	retry    config.RetryConfig
	interval time.Duration
	batch    int
	kick     chan struct{}
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewDispatcher(outbox Outbox, sink Sink, retry config.RetryConfig, cfg config.OutboxConfig, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		outbox:   outbox,
		sink:     sink,
		retry:    retry,
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
		kick:     make(chan struct{}, 1),
		metrics:  m,
		log:      log,
	}
}

// Kick asks the run loop to drain now instead of waiting for the next poll.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("outbox drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// DrainOnce delivers every pending row available right now and returns how
// many were processed.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		rows, err := d.outbox.Pending(ctx, d.batch)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		for _, row := range rows {
			if err := d.deliver(ctx, row); err != nil {
				return total, err
			}
			total++
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, row models.Notification) error {
	n := FromModel(row)
	attempts := 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if !json.Valid(n.Payload) {
			return struct{}{}, backoff.Permanent(errInvalidPayload)
		}
		callCtx, cancel := context.WithTimeout(ctx, d.retry.CollaboratorTimeout)
		defer cancel()
		return struct{}{}, d.sink.Notify(callCtx, n)
	},
		backoff.WithBackOff(NewBackOff(d.retry)),
		backoff.WithMaxTries(d.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.log.Debug("notification retry", zap.Int64("id", n.ID), zap.Duration("next", next), zap.Error(err))
		}),
	)
	if ctx.Err() != nil {
		// 进程退出，行保持 pending，重启后重新投递
		return ctx.Err()
	}

	if err != nil {
		d.log.Error("notification delivery exhausted",
			zap.Int64("id", n.ID),
			zap.String("kind", string(n.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		d.metrics.Notifications.WithLabelValues(string(n.Kind), models.NotificationFailed).Inc()
		return d.outbox.MarkFailed(ctx, n.ID, attempts, err.Error())
	}
	d.metrics.Notifications.WithLabelValues(string(n.Kind), models.NotificationSent).Inc()
	return d.outbox.MarkSent(ctx, n.ID, attempts, time.Now().UTC())
}

// NewBackOff returns the exponential policy used for collaborator retries.
func NewBackOff(cfg config.RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	return b
}
