package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/metrics"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/notify"
	"github.com/Gopher0727/GameNight/internal/pkg/clock"
	"github.com/Gopher0727/GameNight/internal/repositories"
	"github.com/Gopher0727/GameNight/internal/scheduler"
	"github.com/Gopher0727/GameNight/internal/storage"
)

var (
	now   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	start = now.Add(7 * time.Hour)
)

type sink struct {
	mu    sync.Mutex
	got   []notify.Notification
	fails int
}

func (s *sink) Notify(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("dm closed")
	}
	s.got = append(s.got, n)
	return nil
}

func (s *sink) received() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.got...)
}

type fixture struct {
	sched   *Scheduler
	clock   *clock.Fake
	sink    *sink
	nights  *repositories.GameNightRepository
	avail   *repositories.AvailabilityRepository
	prefs   *repositories.ReminderRepository
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	f := &fixture{
		clock:   clock.NewFake(now),
		sink:    &sink{},
		nights:  repositories.NewGameNightRepository(db),
		avail:   repositories.NewAvailabilityRepository(db),
		prefs:   repositories.NewReminderRepository(db),
		metrics: metrics.NewNop(),
	}
	var id int64
	f.sched = NewScheduler(Deps{
		Nights:       f.nights,
		Availability: f.avail,
		Reminders:    f.prefs,
		Sink:         f.sink,
		Builder:      notify.NewBuilder(func() int64 { id++; return id }, f.clock.Now),
		Clock:        f.clock,
		Metrics:      f.metrics,
		Log:          zap.NewNop(),
	},
		config.WorkerPoolConfig{Size: 2, QueueSize: 16},
		config.RetryConfig{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, CollaboratorTimeout: time.Second},
		60,
	)
	return f
}

// seed 创建一个开放中的游戏之夜：u1 yes，u2 maybe，u3 no
func (f *fixture) seed(t *testing.T) *models.GameNight {
	t.Helper()
	ctx := context.Background()
	night := &models.GameNight{
		GuildID: "g1", Seq: 1, OrganizerID: "org",
		StartAt: start, PollCloseAt: start.Add(-time.Hour),
		State: lifecycle.AvailabilityOpen, PlanningChannelID: "plan",
	}
	require.NoError(t, f.nights.Create(ctx, night, nil))
	for i, r := range []struct {
		user   string
		status models.ResponseStatus
	}{{"u1", models.StatusYes}, {"u2", models.StatusMaybe}, {"u3", models.StatusNo}} {
		require.NoError(t, f.avail.Respond(ctx, &models.AvailabilityResponse{
			GuildID: "g1", Seq: 1, UserID: r.user, Status: r.status,
			RespondedAt: now, Stamp: now.UnixNano() + int64(i),
		}))
	}
	return night
}

func TestRecipients(t *testing.T) {
	responses := []models.AvailabilityResponse{
		{UserID: "a", Status: models.StatusYes},
		{UserID: "b", Status: models.StatusNo},
		{UserID: "c", Status: models.StatusMaybe},
	}
	open := &models.GameNight{State: lifecycle.AvailabilityOpen}
	assert.Equal(t, []string{"a", "c"}, Recipients(open, responses))

	finalized := &models.GameNight{State: lifecycle.GamePollOpen, Attendees: []string{"a", "z"}}
	assert.Equal(t, []string{"a", "z"}, Recipients(finalized, responses))
}

func TestSyncNightArmsYesAndMaybe(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.prefs.SetOffset(ctx, "u2", 15))

	require.NoError(t, f.sched.SyncNight(ctx, night))
	assert.Equal(t, 2, f.sched.Pending("g1", 1))

	at, ok := f.sched.FireAt("g1", 1, "u1")
	require.True(t, ok)
	assert.Equal(t, start.Add(-60*time.Minute), at)

	at, ok = f.sched.FireAt("g1", 1, "u2")
	require.True(t, ok)
	assert.Equal(t, start.Add(-15*time.Minute), at)

	_, ok = f.sched.FireAt("g1", 1, "u3")
	assert.False(t, ok)
}

func TestOffsetChangeMovesFireTime(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.sched.SyncNight(ctx, night))

	require.NoError(t, f.prefs.SetOffset(ctx, "u1", 30))
	require.NoError(t, f.sched.SyncUser(ctx, "u1"))

	at, ok := f.sched.FireAt("g1", 1, "u1")
	require.True(t, ok)
	assert.Equal(t, start.Add(-30*time.Minute), at)

	// 其他用户不受影响
	at, _ = f.sched.FireAt("g1", 1, "u2")
	assert.Equal(t, start.Add(-60*time.Minute), at)
}

func TestSyncNightFollowsFinalizedAttendees(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.sched.SyncNight(ctx, night))

	night.State = lifecycle.Finalized
	night.Attendees = []string{"u1"}
	require.NoError(t, f.sched.SyncNight(ctx, night))

	assert.Equal(t, 1, f.sched.Pending("g1", 1))
	_, ok := f.sched.FireAt("g1", 1, "u2")
	assert.False(t, ok)
}

func TestCancelReleasesReminders(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.sched.SyncNight(ctx, night))
	require.Equal(t, 2, f.sched.Pending("g1", 1))

	f.sched.RemoveGameNight("g1", 1)
	assert.Zero(t, f.sched.Pending("g1", 1))

	night.State = lifecycle.Cancelled
	require.NoError(t, f.sched.SyncNight(ctx, night))
	assert.Zero(t, f.sched.Pending("g1", 1))
}

func TestDispatchSendsOnceAndRecords(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx := context.Background()

	f.clock.Set(start.Add(-time.Hour))
	f.sched.dispatch(ctx, scheduler.Entry{Key: models.ReminderKey("g1", 1, "u1"), At: f.clock.Now()})

	got := f.sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, models.EventReminderDue, got[0].Kind)
	assert.Equal(t, notify.Target{Type: models.TargetUser, ID: "u1"}, got[0].Target)

	deliveries, err := f.prefs.Deliveries(ctx, "g1", 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliverySent, deliveries[0].Status)

	// 已派发的提醒不会被重新装载，也不会再次发送
	require.NoError(t, f.sched.SyncNight(ctx, night))
	_, ok := f.sched.FireAt("g1", 1, "u1")
	assert.False(t, ok)
	f.sched.dispatch(ctx, scheduler.Entry{Key: models.ReminderKey("g1", 1, "u1"), At: f.clock.Now()})
	assert.Len(t, f.sink.received(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reminders.WithLabelValues("sent")))
}

func TestDispatchRequeuesEarlyEntry(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.prefs.SetOffset(ctx, "u1", 10))

	// 旧条目按 60 分钟触发，但用户已改为 10 分钟
	f.clock.Set(start.Add(-time.Hour))
	f.sched.dispatch(ctx, scheduler.Entry{Key: models.ReminderKey("g1", 1, "u1"), At: f.clock.Now()})

	assert.Empty(t, f.sink.received())
	at, ok := f.sched.FireAt("g1", 1, "u1")
	require.True(t, ok)
	assert.Equal(t, start.Add(-10*time.Minute), at)
}

func TestDispatchDropsStartedOrIneligible(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	f.clock.Set(start.Add(-time.Hour))
	f.sched.dispatch(ctx, scheduler.Entry{Key: models.ReminderKey("g1", 1, "u3"), At: f.clock.Now()})
	assert.Empty(t, f.sink.received())

	f.clock.Set(start)
	f.sched.dispatch(ctx, scheduler.Entry{Key: models.ReminderKey("g1", 1, "u1"), At: f.clock.Now()})
	assert.Empty(t, f.sink.received())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Reminders.WithLabelValues("dropped")))
}

func TestDispatchExhaustedIsRecordedFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	f.sink.fails = 5

	f.clock.Set(start.Add(-time.Hour))
	f.sched.dispatch(ctx, scheduler.Entry{Key: models.ReminderKey("g1", 1, "u1"), At: f.clock.Now()})

	deliveries, err := f.prefs.Deliveries(ctx, "g1", 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryFailed, deliveries[0].Status)
	assert.Equal(t, 2, deliveries[0].Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reminders.WithLabelValues("failed")))
}

func TestRunFiresWhenDue(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	require.NoError(t, f.sched.SyncNight(context.Background(), night))
	require.True(t, f.clock.BlockUntil(1, 2*time.Second))

	f.clock.Set(start.Add(-59 * time.Minute))
	assert.Eventually(t, func() bool {
		return len(f.sink.received()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSyncNightWaitsForConcurrentSync(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx := context.Background()

	unlock := f.sched.lockNight("g1", 1)
	done := make(chan error, 1)
	go func() { done <- f.sched.SyncNight(ctx, night) }()

	// 持锁期间同步不能读取或修改队列
	assert.Never(t, func() bool { return f.sched.Pending("g1", 1) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	// 持锁期间新增的回复会被随后的同步看到
	require.NoError(t, f.avail.Respond(ctx, &models.AvailabilityResponse{
		GuildID: "g1", Seq: 1, UserID: "u4", Status: models.StatusYes,
		RespondedAt: now, Stamp: now.UnixNano() + 10,
	}))
	unlock()

	require.NoError(t, <-done)
	assert.Equal(t, 3, f.sched.Pending("g1", 1))
	_, ok := f.sched.FireAt("g1", 1, "u4")
	assert.True(t, ok)
}

func TestConcurrentRespondersKeepTheirReminders(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "r" + string(rune('a'+i))
			assert.NoError(t, f.avail.Respond(ctx, &models.AvailabilityResponse{
				GuildID: "g1", Seq: 1, UserID: user, Status: models.StatusYes,
				RespondedAt: now, Stamp: now.UnixNano() + int64(100+i),
			}))
			assert.NoError(t, f.sched.SyncNight(ctx, night))
		}(i)
	}
	wg.Wait()

	// u1 与 u2 加上每个并发回复的人
	assert.Equal(t, n+2, f.sched.Pending("g1", 1))
}

func TestSyncUserLeavesCancelledReminder(t *testing.T) {
	f := newFixture(t)
	night := f.seed(t)
	ctx := context.Background()
	require.NoError(t, f.sched.SyncNight(ctx, night))

	f.sched.Remove("g1", 1, "u1")
	require.NoError(t, f.prefs.SetOffset(ctx, "u1", 30))
	require.NoError(t, f.sched.SyncUser(ctx, "u1"))

	_, ok := f.sched.FireAt("g1", 1, "u1")
	assert.False(t, ok)
}
