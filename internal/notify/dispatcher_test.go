package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/metrics"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/repositories"
	"github.com/Gopher0727/GameNight/internal/storage"
)

var fastRetry = config.RetryConfig{
	MaxTries:            3,
	InitialInterval:     time.Millisecond,
	MaxInterval:         2 * time.Millisecond,
	CollaboratorTimeout: time.Second,
}

func newOutbox(t *testing.T) *repositories.OutboxRepository {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return repositories.NewOutboxRepository(db)
}

func row(id int64, kind models.EventKind, payload string) models.Notification {
	return models.Notification{ID: id, GuildID: "g1", Seq: 1, Kind: kind, TargetType: "channel", TargetID: "c", Payload: payload}
}

func TestDispatcherDeliversInIDOrder(t *testing.T) {
	outbox := newOutbox(t)
	ctx := context.Background()
	require.NoError(t, outbox.Enqueue(ctx,
		row(3, models.EventGamePollOpened, `{}`),
		row(1, models.EventPollOpened, `{}`),
		row(2, models.EventFinalized, `{}`),
	))

	sink := &recordingSink{}
	m := metrics.NewNop()
	d := NewDispatcher(outbox, sink, fastRetry, config.OutboxConfig{PollInterval: time.Second, BatchSize: 2}, m, zap.NewNop())

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := sink.received()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("Finalized", "sent")))

	pending, err := outbox.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcherRetriesTransientFailure(t *testing.T) {
	outbox := newOutbox(t)
	ctx := context.Background()
	require.NoError(t, outbox.Enqueue(ctx, row(1, models.EventPollOpened, `{}`)))

	sink := &recordingSink{fails: 2, err: errors.New("timeout")}
	d := NewDispatcher(outbox, sink, fastRetry, config.OutboxConfig{PollInterval: time.Second, BatchSize: 10}, metrics.NewNop(), zap.NewNop())

	_, err := d.DrainOnce(ctx)
	require.NoError(t, err)

	all, err := outbox.ListForNight(ctx, "g1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, all[0].Status)
	assert.Equal(t, 3, all[0].Attempts)
}

func TestDispatcherMarksExhaustedRowsFailed(t *testing.T) {
	outbox := newOutbox(t)
	ctx := context.Background()
	require.NoError(t, outbox.Enqueue(ctx,
		row(1, models.EventPollOpened, `{}`),
		row(2, models.EventFinalized, `not json`),
	))

	sink := &recordingSink{fails: 3, err: errors.New("broker down")}
	m := metrics.NewNop()
	d := NewDispatcher(outbox, sink, fastRetry, config.OutboxConfig{PollInterval: time.Second, BatchSize: 10}, m, zap.NewNop())

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := outbox.ListForNight(ctx, "g1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationFailed, all[0].Status)
	assert.Equal(t, 3, all[0].Attempts)
	assert.Equal(t, "broker down", all[0].LastError)

	// invalid payloads are not retried
	assert.Equal(t, models.NotificationFailed, all[1].Status)
	assert.Equal(t, 1, all[1].Attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Notifications.WithLabelValues("PollOpened", "failed"))+testutil.ToFloat64(m.Notifications.WithLabelValues("Finalized", "failed")))
}

func TestDispatcherRunAndKick(t *testing.T) {
	outbox := newOutbox(t)
	sink := &recordingSink{}
	d := NewDispatcher(outbox, sink, fastRetry, config.OutboxConfig{PollInterval: time.Hour, BatchSize: 10}, metrics.NewNop(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, outbox.Enqueue(context.Background(), row(1, models.EventPollOpened, `{}`)))
	d.Kick()

	assert.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
