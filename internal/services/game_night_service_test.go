package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/metrics"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/notify"
	"github.com/Gopher0727/GameNight/internal/pkg/clock"
	"github.com/Gopher0727/GameNight/internal/pkg/redis"
	"github.com/Gopher0727/GameNight/internal/reminder"
	"github.com/Gopher0727/GameNight/internal/repositories"
	"github.com/Gopher0727/GameNight/internal/storage"
)

// 2025-03-01 是周六
var (
	now   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	start = now.Add(7 * time.Hour)
)

func testConfig() *config.Config {
	return &config.Config{
		GameNight: config.GameNightConfig{
			DefaultPollLead:              time.Hour,
			ClosingSoonLead:              time.Hour,
			GamePollDuration:             48 * time.Hour,
			SuggestionTopN:               5,
			DefaultReminderOffsetMinutes: 60,
			DefaultTimezone:              "UTC",
		},
		Retry: config.RetryConfig{
			MaxTries:            2,
			InitialInterval:     time.Millisecond,
			MaxInterval:         2 * time.Millisecond,
			CollaboratorTimeout: 5 * time.Second,
		},
		WorkerPool: config.WorkerPoolConfig{Size: 2, QueueSize: 64, Shards: 4},
	}
}

type env struct {
	db     *gorm.DB
	rdb    *goredis.Client
	clock  *clock.Fake
	outbox *repositories.OutboxRepository
	ids    *atomic.Int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return &env{
		db:     db,
		rdb:    rdb,
		clock:  clock.NewFake(now),
		outbox: repositories.NewOutboxRepository(db),
		ids:    &atomic.Int64{},
	}
}

// service 在同一数据库上构造一个新的服务实例，模拟进程重启
func (e *env) service(t *testing.T) *GameNightService {
	t.Helper()
	cfg := testConfig()
	log := zap.NewNop()
	m := metrics.NewNop()
	builder := notify.NewBuilder(func() int64 { return e.ids.Add(1) }, e.clock.Now)

	nights := repositories.NewGameNightRepository(e.db)
	availability := repositories.NewAvailabilityRepository(e.db)
	reminders := repositories.NewReminderRepository(e.db)

	sched := reminder.NewScheduler(reminder.Deps{
		Nights:       nights,
		Availability: availability,
		Reminders:    reminders,
		Sink:         notify.NewLogSink(log),
		Builder:      builder,
		Clock:        e.clock,
		Metrics:      m,
		Log:          log,
	}, cfg.WorkerPool, cfg.Retry, cfg.GameNight.DefaultReminderOffsetMinutes)

	svc := NewGameNightService(Deps{
		Nights:       nights,
		Availability: availability,
		Library:      repositories.NewLibraryRepository(e.db),
		Roster:       repositories.NewRosterRepository(e.db),
		Reminders:    reminders,
		Votes:        repositories.NewVoteRepository(e.db),
		Seq:          redis.Wrap(e.rdb),
		Scheduler:    sched,
		Builder:      builder,
		Clock:        e.clock,
		Metrics:      m,
		Log:          log,
	}, cfg)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc
}

// run 启动截止时间循环，测试结束时停止
func run(t *testing.T, svc *GameNightService) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *env) kinds(t *testing.T, guildID string, seq int64) []models.EventKind {
	t.Helper()
	rows, err := e.outbox.ListForNight(context.Background(), guildID, seq)
	require.NoError(t, err)
	out := make([]models.EventKind, len(rows))
	for i, r := range rows {
		out[i] = r.Kind
	}
	return out
}

func count(kinds []models.EventKind, kind models.EventKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func ptr[T any](v T) *T { return &v }

// seedLibrary 让 a、b 共同拥有 X 和 Y，c 只拥有 Z
func seedLibrary(t *testing.T, svc *GameNightService) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.SyncRoster(ctx, "g1", []string{"a", "b", "c"})
	require.NoError(t, err)
	for id, g := range map[string]GameRequest{
		"X": {Name: "Xenon", MaxPlayers: 4, Rating: ptr(4.5)},
		"Y": {Name: "Yonder", MaxPlayers: 6},
		"Z": {Name: "Zeal", MaxPlayers: 2},
	} {
		_, err := svc.UpsertGame(ctx, id, &g)
		require.NoError(t, err)
	}
	for user, games := range map[string][]string{"a": {"X", "Y"}, "b": {"X", "Y"}, "c": {"Z"}} {
		_, err := svc.ReplaceLibrary(ctx, user, games)
		require.NoError(t, err)
	}
}

func schedule(t *testing.T, svc *GameNightService) *models.GameNight {
	t.Helper()
	night, err := svc.Schedule(context.Background(), "g1", &ScheduleRequest{
		OrganizerID:       "org",
		StartAt:           start,
		PlanningChannelID: "plan",
		MainChannelID:     "main",
	})
	require.NoError(t, err)
	return night
}

func respond(t *testing.T, svc *GameNightService, seq int64, user string, status models.ResponseStatus) {
	t.Helper()
	_, err := svc.Respond(context.Background(), "g1", seq, &RespondRequest{UserID: user, Status: status})
	require.NoError(t, err)
}

func TestSchedule(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()

	t.Run("opens immediately with the default deadline", func(t *testing.T) {
		night := schedule(t, svc)
		assert.Equal(t, int64(1), night.Seq)
		assert.Equal(t, lifecycle.AvailabilityOpen, night.State)
		assert.Equal(t, start.Add(-time.Hour), night.PollCloseAt)

		rows, err := e.outbox.ListForNight(ctx, "g1", 1)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, models.EventPollOpened, rows[0].Kind)
		assert.Equal(t, "plan", rows[0].TargetID)
	})

	t.Run("sequence is per guild and increasing", func(t *testing.T) {
		night := schedule(t, svc)
		assert.Equal(t, int64(2), night.Seq)

		other, err := svc.Schedule(ctx, "g2", &ScheduleRequest{OrganizerID: "org", StartAt: start, PlanningChannelID: "p"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), other.Seq)
	})

	t.Run("explicit deadline", func(t *testing.T) {
		night, err := svc.Schedule(ctx, "g1", &ScheduleRequest{
			OrganizerID: "org", StartAt: start, PollCloseAt: ptr(now.Add(2 * time.Hour)), PlanningChannelID: "plan",
		})
		require.NoError(t, err)
		assert.Equal(t, now.Add(2*time.Hour), night.PollCloseAt)
	})

	t.Run("derived deadline in the past is clamped to now", func(t *testing.T) {
		night, err := svc.Schedule(ctx, "g1", &ScheduleRequest{
			OrganizerID: "org", StartAt: now.Add(30 * time.Minute), PlanningChannelID: "plan",
		})
		require.NoError(t, err)
		assert.Equal(t, now, night.PollCloseAt)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		cases := []*ScheduleRequest{
			{OrganizerID: "org", StartAt: now.Add(-time.Minute), PlanningChannelID: "plan"},
			{OrganizerID: "org", StartAt: start, PollCloseAt: ptr(start.Add(time.Minute)), PlanningChannelID: "plan"},
			{OrganizerID: "org", StartAt: start, PollCloseAt: ptr(now.Add(-time.Minute)), PlanningChannelID: "plan"},
			{OrganizerID: "org", StartAt: start, OpenAt: ptr(start), PlanningChannelID: "plan"},
			{OrganizerID: "", StartAt: start, PlanningChannelID: "plan"},
			{OrganizerID: "org", StartAt: start},
		}
		for _, req := range cases {
			_, err := svc.Schedule(ctx, "g1", req)
			assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument), "%+v: %v", req, err)
		}
	})
}

func TestScheduleUsesWeeklySlotLead(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()

	_, err := svc.ConfigureWeeklySlots(ctx, "g1", &WeeklySlotsRequest{
		Timezone: "UTC",
		Slots: []SlotInput{
			{Name: "saturday", Weekday: time.Saturday, StartMinute: 18 * 60, DurationMinutes: 240, PollCloseLeadMinutes: 180},
		},
	})
	require.NoError(t, err)

	night := schedule(t, svc)
	assert.Equal(t, start.Add(-3*time.Hour), night.PollCloseAt)
}

func TestScheduledNightOpensAtOpenAt(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	run(t, svc)

	night, err := svc.Schedule(context.Background(), "g1", &ScheduleRequest{
		OrganizerID: "org", StartAt: start, OpenAt: ptr(now.Add(time.Hour)), PlanningChannelID: "plan",
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Scheduled, night.State)
	assert.Empty(t, e.kinds(t, "g1", 1))

	_, err = svc.Respond(context.Background(), "g1", 1, &RespondRequest{UserID: "a", Status: models.StatusYes})
	assert.True(t, apperr.IsKind(err, apperr.KindPollClosed))

	require.True(t, e.clock.BlockUntil(1, 2*time.Second))
	e.clock.Advance(time.Hour)

	assert.Eventually(t, func() bool {
		n, err := svc.Get(context.Background(), "g1", 1)
		return err == nil && n.State == lifecycle.AvailabilityOpen
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.EventKind{models.EventPollOpened}, e.kinds(t, "g1", 1))
}

func TestTwoOfThreeYes(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	seedLibrary(t, svc)
	schedule(t, svc)

	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)
	respond(t, svc, 1, "c", models.StatusNo)

	res, err := svc.Finalize(context.Background(), "g1", 1, "org")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Attendees)
	assert.Empty(t, res.Outcome)
	assert.Equal(t, lifecycle.GamePollOpen, res.Night.State)

	// X 评分更高，排在 Y 之前；Z 只有 c 拥有
	require.Len(t, res.Night.PollOptions, 2)
	assert.Equal(t, "X", res.Night.PollOptions[0].GameID)
	assert.Equal(t, "Y", res.Night.PollOptions[1].GameID)
	assert.Equal(t, 1.0, res.Night.PollOptions[0].Score)

	require.NotNil(t, res.Night.GamePollCloseAt)
	assert.Equal(t, start, *res.Night.GamePollCloseAt)

	assert.Equal(t,
		[]models.EventKind{models.EventPollOpened, models.EventFinalized, models.EventGamePollOpened},
		e.kinds(t, "g1", 1))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	seedLibrary(t, svc)
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)

	var wg sync.WaitGroup
	results := make([]*FinalizeResult, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Finalize(context.Background(), "g1", 1, "org")
		}(i)
	}
	wg.Wait()

	already := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, []string{"a", "b"}, results[i].Attendees)
		if results[i].AlreadyFinalized {
			already++
		}
	}
	assert.Equal(t, len(results)-1, already)

	kinds := e.kinds(t, "g1", 1)
	assert.Equal(t, 1, count(kinds, models.EventFinalized))
	assert.Equal(t, 1, count(kinds, models.EventGamePollOpened))
}

func TestFinalizeInvalidStates(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()

	_, err := svc.Finalize(ctx, "g1", 9, "org")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = svc.Schedule(ctx, "g1", &ScheduleRequest{
		OrganizerID: "org", StartAt: start, OpenAt: ptr(now.Add(time.Hour)), PlanningChannelID: "plan",
	})
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "g1", 1, "org")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))

	_, err = svc.Cancel(ctx, "g1", 1, "org")
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "g1", 1, "org")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
}

func TestNoAttendeesCancels(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	seedLibrary(t, svc)
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusNo)
	respond(t, svc, 1, "b", models.StatusMaybe)

	res, err := svc.Finalize(context.Background(), "g1", 1, "org")
	require.NoError(t, err)
	assert.Empty(t, res.Attendees)
	assert.Equal(t, []string{"b"}, res.Maybe)
	assert.Equal(t, lifecycle.ReasonNoAttendees, res.Outcome)
	assert.Equal(t, lifecycle.Cancelled, res.Night.State)

	rows, err := e.outbox.ListForNight(context.Background(), "g1", 1)
	require.NoError(t, err)
	last := rows[len(rows)-1]
	assert.Equal(t, models.EventCancelled, last.Kind)
	assert.Equal(t, "main", last.TargetID)

	var payload cancelledPayload
	require.NoError(t, json.Unmarshal([]byte(last.Payload), &payload))
	assert.Equal(t, lifecycle.ReasonNoAttendees, payload.Reason)
}

func TestNoSuitableGamesCancels(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	_, err := svc.SyncRoster(ctx, "g1", []string{"a", "b", "c"})
	require.NoError(t, err)
	for _, id := range []string{"P", "Q"} {
		_, err := svc.UpsertGame(ctx, id, &GameRequest{Name: id, MaxPlayers: 2})
		require.NoError(t, err)
	}
	for _, u := range []string{"a", "b", "c"} {
		_, err := svc.ReplaceLibrary(ctx, u, []string{"P", "Q"})
		require.NoError(t, err)
	}

	schedule(t, svc)
	for _, u := range []string{"a", "b", "c"} {
		respond(t, svc, 1, u, models.StatusYes)
	}

	res, err := svc.Finalize(ctx, "g1", 1, "org")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Attendees)
	assert.Equal(t, lifecycle.ReasonNoSuitableGames, res.Outcome)

	kinds := e.kinds(t, "g1", 1)
	assert.Equal(t, []models.EventKind{models.EventPollOpened, models.EventFinalized, models.EventCancelled}, kinds)
}

func TestRespondLastWriteWins(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	schedule(t, svc)

	respond(t, svc, 1, "a", models.StatusYes)
	e.clock.Advance(time.Second)
	respond(t, svc, 1, "a", models.StatusNo)

	responses, err := svc.Responses(ctx, "g1", 1)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, models.StatusNo, responses[0].Status)

	statuses := []models.ResponseStatus{models.StatusYes, models.StatusNo, models.StatusMaybe}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Respond(ctx, "g1", 1, &RespondRequest{UserID: "b", Status: statuses[i%3]})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	responses, err = svc.Responses(ctx, "g1", 1)
	require.NoError(t, err)
	assert.Len(t, responses, 2)
}

func TestRespondRejectedAfterDeadline(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	schedule(t, svc)

	_, err := svc.Respond(ctx, "g1", 1, &RespondRequest{UserID: "a", Status: "sometimes"})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	// 截止时间已过但定时器尚未触发
	e.clock.Set(start.Add(-time.Hour).Add(time.Second))
	_, err = svc.Respond(ctx, "g1", 1, &RespondRequest{UserID: "a", Status: models.StatusYes})
	assert.True(t, apperr.IsKind(err, apperr.KindPollClosed))
}

func TestRespondAfterFinalize(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	seedLibrary(t, svc)
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	_, err := svc.Finalize(context.Background(), "g1", 1, "org")
	require.NoError(t, err)

	_, err = svc.Respond(context.Background(), "g1", 1, &RespondRequest{UserID: "b", Status: models.StatusYes})
	assert.True(t, apperr.IsKind(err, apperr.KindPollClosed))
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	require.Equal(t, 1, svc.Scheduler.Pending("g1", 1))

	night, err := svc.Cancel(ctx, "g1", 1, "org")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Cancelled, night.State)
	assert.Equal(t, lifecycle.ReasonOrganizer, night.CancelReason)
	assert.Zero(t, svc.Scheduler.Pending("g1", 1))
	assert.Empty(t, svc.timers.Queue().Keys(timerPrefix("g1/1")))

	// 重复取消成功且不再产生通知
	_, err = svc.Cancel(ctx, "g1", 1, "org")
	require.NoError(t, err)
	assert.Equal(t, 1, count(e.kinds(t, "g1", 1), models.EventCancelled))

	_, err = svc.Reschedule(ctx, "g1", 1, &RescheduleRequest{StartAt: start.Add(time.Hour)})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
}

func TestCancelCompletedIsInvalid(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	seedLibrary(t, svc)
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)
	_, err := svc.Finalize(ctx, "g1", 1, "org")
	require.NoError(t, err)
	_, err = svc.CloseGamePoll(ctx, "g1", 1, &CloseGamePollRequest{})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, "g1", 1, "org")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
}

func TestGameVoteAndClose(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	seedLibrary(t, svc)
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)

	_, err := svc.CastGameVote(ctx, "g1", 1, &VoteRequest{UserID: "a", GameID: "X"})
	assert.True(t, apperr.IsKind(err, apperr.KindPollClosed))

	_, err = svc.Finalize(ctx, "g1", 1, "org")
	require.NoError(t, err)

	_, err = svc.CastGameVote(ctx, "g1", 1, &VoteRequest{UserID: "a", GameID: "Z"})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	for _, u := range []string{"a", "b"} {
		_, err := svc.CastGameVote(ctx, "g1", 1, &VoteRequest{UserID: u, GameID: "Y"})
		require.NoError(t, err)
	}
	// 改票：a 最终投 X，Y 与 X 平票时按排名取 X
	_, err = svc.CastGameVote(ctx, "g1", 1, &VoteRequest{UserID: "a", GameID: "X"})
	require.NoError(t, err)

	_, err = svc.CloseGamePoll(ctx, "g1", 1, &CloseGamePollRequest{GameID: ptr("Z")})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	night, err := svc.CloseGamePoll(ctx, "g1", 1, &CloseGamePollRequest{})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Completed, night.State)
	require.NotNil(t, night.SelectedGameID)
	assert.Equal(t, "X", *night.SelectedGameID)

	again, err := svc.CloseGamePoll(ctx, "g1", 1, &CloseGamePollRequest{GameID: ptr("Y")})
	require.NoError(t, err)
	assert.Equal(t, "X", *again.SelectedGameID)
	assert.Equal(t, 1, count(e.kinds(t, "g1", 1), models.EventGameSelected))
}

func TestPickWinner(t *testing.T) {
	options := []models.PollOption{{GameID: "A"}, {GameID: "B"}, {GameID: "C"}}

	w, err := pickWinner(options, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "A", w.GameID)

	w, err = pickWinner(options, map[string]int{"B": 2, "C": 2, "A": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "B", w.GameID)

	w, err = pickWinner(options, map[string]int{"B": 5}, ptr("C"))
	require.NoError(t, err)
	assert.Equal(t, "C", w.GameID)

	_, err = pickWinner(nil, nil, nil)
	assert.Error(t, err)
}

func TestDeadlineTimersDriveThePipeline(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	seedLibrary(t, svc)
	run(t, svc)
	ctx := context.Background()

	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)

	// closing soon 在截止前一小时
	require.True(t, e.clock.BlockUntil(1, 2*time.Second))
	e.clock.Set(start.Add(-2 * time.Hour))
	assert.Eventually(t, func() bool {
		return count(e.kinds(t, "g1", 1), models.EventPollClosingSoon) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, e.clock.BlockUntil(1, 2*time.Second))
	e.clock.Set(start.Add(-time.Hour))
	assert.Eventually(t, func() bool {
		n, err := svc.Get(ctx, "g1", 1)
		return err == nil && n.State == lifecycle.GamePollOpen
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, e.clock.BlockUntil(1, 2*time.Second))
	e.clock.Set(start)
	assert.Eventually(t, func() bool {
		n, err := svc.Get(ctx, "g1", 1)
		return err == nil && n.State == lifecycle.Completed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []models.EventKind{
		models.EventPollOpened,
		models.EventPollClosingSoon,
		models.EventFinalized,
		models.EventGamePollOpened,
		models.EventGameSelected,
	}, e.kinds(t, "g1", 1))
}

func TestRestartPastDeadlineFiresOnce(t *testing.T) {
	e := newEnv(t)
	first := e.service(t)
	seedLibrary(t, first)
	schedule(t, first)
	respond(t, first, 1, "a", models.StatusYes)
	respond(t, first, 1, "b", models.StatusYes)
	first.Stop()

	// 进程停机期间截止时间已过
	e.clock.Set(start.Add(-30 * time.Minute))

	for i := 0; i < 2; i++ {
		svc := e.service(t)
		require.NoError(t, svc.Recover(context.Background()))
		run(t, svc)

		assert.Eventually(t, func() bool {
			n, err := svc.Get(context.Background(), "g1", 1)
			return err == nil && n.State == lifecycle.GamePollOpen
		}, 2*time.Second, 5*time.Millisecond)
	}

	kinds := e.kinds(t, "g1", 1)
	assert.Equal(t, 1, count(kinds, models.EventFinalized))
	assert.Equal(t, 1, count(kinds, models.EventGamePollOpened))
	assert.Zero(t, count(kinds, models.EventPollClosingSoon))
}

func TestRecoverResumesFinalizedNight(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	seedLibrary(t, svc)
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)

	// 模拟定稿提交后、开启游戏投票前崩溃
	_, err := svc.Nights.Apply(context.Background(), "g1", 1, func(n *models.GameNight) ([]string, []models.Notification, error) {
		n.State = lifecycle.Finalized
		n.Attendees = []string{"a", "b"}
		return []string{"state", "attendees"}, nil, nil
	})
	require.NoError(t, err)

	restarted := e.service(t)
	require.NoError(t, restarted.Recover(context.Background()))
	assert.Eventually(t, func() bool {
		n, err := restarted.Get(context.Background(), "g1", 1)
		return err == nil && n.State == lifecycle.GamePollOpen
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, count(e.kinds(t, "g1", 1), models.EventGamePollOpened))
}

func TestReminderOffsetChange(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)

	at, ok := svc.Scheduler.FireAt("g1", 1, "a")
	require.True(t, ok)
	assert.Equal(t, start.Add(-time.Hour), at)

	require.NoError(t, svc.SetReminderOffset(ctx, &ReminderOffsetRequest{UserID: "a", Minutes: 30}))
	at, ok = svc.Scheduler.FireAt("g1", 1, "a")
	require.True(t, ok)
	assert.Equal(t, start.Add(-30*time.Minute), at)

	for _, minutes := range []int{0, 10081} {
		err := svc.SetReminderOffset(ctx, &ReminderOffsetRequest{UserID: "a", Minutes: minutes})
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
	}
}

func TestReschedule(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)

	later := start.Add(24 * time.Hour)
	night, err := svc.Reschedule(ctx, "g1", 1, &RescheduleRequest{StartAt: later})
	require.NoError(t, err)
	assert.Equal(t, later, night.StartAt)
	assert.Equal(t, later.Add(-time.Hour), night.PollCloseAt)

	at, ok := svc.Scheduler.FireAt("g1", 1, "a")
	require.True(t, ok)
	assert.Equal(t, later.Add(-time.Hour), at)

	_, err = svc.Reschedule(ctx, "g1", 1, &RescheduleRequest{StartAt: now.Add(-time.Hour)})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestWeeklySlotsAndDefaults(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	seedLibrary(t, svc)

	cfg, err := svc.ConfigureWeeklySlots(ctx, "g1", &WeeklySlotsRequest{
		Timezone: "UTC",
		Slots: []SlotInput{
			{Name: "friday", Weekday: time.Friday, StartMinute: 19 * 60, DurationMinutes: 180},
			{Name: "saturday", Weekday: time.Saturday, StartMinute: 18 * 60, DurationMinutes: 240},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(0), cfg.Slots[0].ID)
	assert.Equal(t, uint(1), cfg.Slots[1].ID)

	// 重新排序并新增时段，已有 id 保持不变
	cfg, err = svc.ConfigureWeeklySlots(ctx, "g1", &WeeklySlotsRequest{
		Timezone: "UTC",
		Slots: []SlotInput{
			{Name: "sunday", Weekday: time.Sunday, StartMinute: 15 * 60, DurationMinutes: 120},
			{Name: "saturday", Weekday: time.Saturday, StartMinute: 18 * 60, DurationMinutes: 240},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint(2), cfg.Slots[0].ID)
	assert.Equal(t, uint(1), cfg.Slots[1].ID)

	_, err = svc.SetWeeklyAvailability(ctx, "g1", &WeeklyAvailabilityRequest{UserID: "b", SlotIDs: []uint{0}})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	weekly, err := svc.SetWeeklyAvailability(ctx, "g1", &WeeklyAvailabilityRequest{UserID: "b", SlotIDs: []uint{1}})
	require.NoError(t, err)
	assert.Equal(t, []uint{1}, weekly.SlotIDs)

	_, err = svc.ConfigureWeeklySlots(ctx, "g1", &WeeklySlotsRequest{Timezone: "Mars/Base"})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))

	// b 没有显式回复，但每周默认包含周六时段
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	res, err := svc.Finalize(ctx, "g1", 1, "org")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Attendees)
}

func TestSuggestionsPreview(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	seedLibrary(t, svc)
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)

	got, err := svc.Suggestions(ctx, "g1", 1, &SuggestionsRequest{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "X", got[0].GameID)

	_, err = svc.Suggestions(ctx, "g1", 1, &SuggestionsRequest{GroupSize: 5})
	assert.True(t, apperr.IsKind(err, apperr.KindNoSuitableGames))

	_, err = svc.Suggestions(ctx, "g1", 1, &SuggestionsRequest{GroupSize: -1})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}

func TestRecoverRearmsCompletedNightReminders(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	seedLibrary(t, svc)
	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)

	_, err := svc.Finalize(ctx, "g1", 1, "org")
	require.NoError(t, err)
	night, err := svc.CloseGamePoll(ctx, "g1", 1, &CloseGamePollRequest{OrganizerID: "org"})
	require.NoError(t, err)
	require.Equal(t, lifecycle.Completed, night.State)
	_, ok := svc.Scheduler.FireAt("g1", 1, "a")
	require.True(t, ok)
	svc.Stop()

	restarted := e.service(t)
	require.NoError(t, restarted.Recover(ctx))

	at, ok := restarted.Scheduler.FireAt("g1", 1, "a")
	require.True(t, ok)
	assert.Equal(t, start.Add(-time.Hour), at)
	assert.Equal(t, 2, restarted.Scheduler.Pending("g1", 1))

	// 已完成的游戏之夜没有截止时间
	assert.Empty(t, restarted.timers.Queue().Keys(timerPrefix(night.Key())))
}

func TestRecoverRebuildsRemindersAcrossStates(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	seedLibrary(t, svc)
	for seq := int64(1); seq <= 3; seq++ {
		schedule(t, svc)
		respond(t, svc, seq, "a", models.StatusYes)
		if seq > 1 {
			respond(t, svc, seq, "b", models.StatusYes)
		}
	}
	for seq := int64(2); seq <= 3; seq++ {
		_, err := svc.Finalize(ctx, "g1", seq, "org")
		require.NoError(t, err)
	}
	_, err := svc.CloseGamePoll(ctx, "g1", 3, &CloseGamePollRequest{OrganizerID: "org"})
	require.NoError(t, err)

	// b 在第 2 场的提醒已经发出
	require.NoError(t, svc.Reminders.RecordDelivery(ctx, &models.ReminderDelivery{
		GuildID: "g1", Seq: 2, UserID: "b", Status: models.DeliverySent, FireAt: start.Add(-time.Hour), Attempts: 1,
	}))
	svc.Stop()

	restarted := e.service(t)
	require.NoError(t, restarted.Recover(ctx))

	states := map[int64]lifecycle.State{1: lifecycle.AvailabilityOpen, 2: lifecycle.GamePollOpen, 3: lifecycle.Completed}
	for seq, state := range states {
		n, err := restarted.Get(ctx, "g1", seq)
		require.NoError(t, err)
		require.Equal(t, state, n.State)

		at, ok := restarted.Scheduler.FireAt("g1", seq, "a")
		require.True(t, ok, "seq %d", seq)
		assert.Equal(t, start.Add(-time.Hour), at)
	}

	_, ok := restarted.Scheduler.FireAt("g1", 2, "b")
	assert.False(t, ok)
	_, ok = restarted.Scheduler.FireAt("g1", 3, "b")
	assert.True(t, ok)
	assert.Equal(t, 1, restarted.Scheduler.Pending("g1", 1))
	assert.Equal(t, 1, restarted.Scheduler.Pending("g1", 2))
	assert.Equal(t, 2, restarted.Scheduler.Pending("g1", 3))
}

func TestHistory(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()
	seedLibrary(t, svc)

	schedule(t, svc)
	respond(t, svc, 1, "a", models.StatusYes)
	respond(t, svc, 1, "b", models.StatusYes)
	_, err := svc.Finalize(ctx, "g1", 1, "org")
	require.NoError(t, err)
	_, err = svc.CloseGamePoll(ctx, "g1", 1, &CloseGamePollRequest{OrganizerID: "org", GameID: ptr("Y")})
	require.NoError(t, err)

	// 第 2 场较晚开始，a 不在参加者中
	schedule(t, svc)
	_, err = svc.Nights.Apply(ctx, "g1", 2, func(n *models.GameNight) ([]string, []models.Notification, error) {
		n.State = lifecycle.Completed
		n.StartAt = start.Add(24 * time.Hour)
		n.Attendees = []string{"b", "c"}
		return []string{"state", "start_at", "attendees"}, nil, nil
	})
	require.NoError(t, err)

	// 取消的游戏之夜不计入
	schedule(t, svc)
	respond(t, svc, 3, "a", models.StatusYes)
	_, err = svc.Cancel(ctx, "g1", 3, "org")
	require.NoError(t, err)

	h, err := svc.History(ctx, "g1", "a", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Total)
	require.Len(t, h.Nights, 1)
	assert.Equal(t, int64(1), h.Nights[0].Seq)
	assert.Equal(t, "Y", *h.Nights[0].GameID)
	assert.Equal(t, "Yonder", h.Nights[0].GameName)
	assert.Equal(t, 2, h.Nights[0].Attendees)

	h, err = svc.History(ctx, "g1", "b", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Total)
	require.Len(t, h.Nights, 2)
	assert.Equal(t, int64(2), h.Nights[0].Seq)
	assert.Nil(t, h.Nights[0].GameID)

	h, err = svc.History(ctx, "g1", "b", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Total)
	assert.Len(t, h.Nights, 1)

	h, err = svc.History(ctx, "g2", "a", 0)
	require.NoError(t, err)
	assert.Zero(t, h.Total)
	assert.NotNil(t, h.Nights)

	for _, limit := range []int{-1, 101} {
		_, err = svc.History(ctx, "g1", "a", limit)
		assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
	}
}

func TestScheduleUsesGuildMainChannel(t *testing.T) {
	e := newEnv(t)
	svc := e.service(t)
	ctx := context.Background()

	cfg, err := svc.SetMainChannel(ctx, "g1", &MainChannelRequest{ChannelID: "announce"})
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)

	// 重新配置时段不会丢失默认频道
	_, err = svc.ConfigureWeeklySlots(ctx, "g1", &WeeklySlotsRequest{
		Timezone: "UTC",
		Slots:    []SlotInput{{Name: "saturday", Weekday: time.Saturday, StartMinute: 18 * 60, DurationMinutes: 240}},
	})
	require.NoError(t, err)

	night, err := svc.Schedule(ctx, "g1", &ScheduleRequest{OrganizerID: "org", StartAt: start, PlanningChannelID: "plan"})
	require.NoError(t, err)
	assert.Equal(t, "announce", night.MainChannelID)
	assert.Equal(t, "announce", night.AnnounceChannel())

	// 显式指定优先
	night = schedule(t, svc)
	assert.Equal(t, "main", night.MainChannelID)

	_, err = svc.SetMainChannel(ctx, "g1", &MainChannelRequest{ChannelID: "bad/id"})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidArgument))
}
