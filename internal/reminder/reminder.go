// Package reminder keeps one pending reminder per (game night, recipient) and
// dispatches each of them once, offset minutes before the night starts.
//
// The queue is derived state. Game nights, responses, preferences and the
// delivery log are the source of truth; SyncNight rebuilds a night's entries
// from them at any time.
package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/murmur3"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/metrics"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/notify"
	"github.com/Gopher0727/GameNight/internal/pkg/clock"
	"github.com/Gopher0727/GameNight/internal/repositories"
	"github.com/Gopher0727/GameNight/internal/scheduler"
	"github.com/Gopher0727/GameNight/internal/utils"
)

const loopName = "reminders"

// nightStripes bounds the number of per-night sync locks.
const nightStripes = 64

// Dispatch outcomes, used as the metrics status label.
const (
	statusSent     = models.DeliverySent
	statusFailed   = models.DeliveryFailed
	statusDropped  = "dropped"
	statusRequeued = "requeued"
)

type Deps struct {
	Nights       *repositories.GameNightRepository
	Availability *repositories.AvailabilityRepository
	Reminders    *repositories.ReminderRepository
	Sink         notify.Sink
	Builder      *notify.Builder
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	Log          *zap.Logger
}

type Scheduler struct {
	deps          Deps
	loop          *scheduler.Loop
	pool          *utils.WorkerPool
	retry         config.RetryConfig
	defaultOffset int

	// 同一游戏之夜的同步互斥，读取与装载/取消之间不能被另一次同步插入
	nights [nightStripes]sync.Mutex

	mu       sync.Mutex
	inflight map[string]struct{}
	ctx      context.Context
}

func NewScheduler(deps Deps, pool config.WorkerPoolConfig, retry config.RetryConfig, defaultOffset int) *Scheduler {
	s := &Scheduler{
		deps:          deps,
		pool:          utils.NewWorkerPool(pool.Size, pool.QueueSize, deps.Log),
		retry:         retry,
		defaultOffset: defaultOffset,
		inflight:      make(map[string]struct{}),
		ctx:           context.Background(),
	}
	s.loop = scheduler.NewLoop(loopName, deps.Clock, s.fire, deps.Log)
	return s
}

// Run starts the dispatch workers and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.pool.Start()
	defer s.pool.Stop()
	return s.loop.Run(ctx)
}

// FireAt returns the armed fire time for a recipient, if any.
func (s *Scheduler) FireAt(guildID string, seq int64, userID string) (time.Time, bool) {
	return s.loop.Queue().Get(models.ReminderKey(guildID, seq, userID))
}

// Pending returns the number of armed reminders for a game night.
func (s *Scheduler) Pending(guildID string, seq int64) int {
	return len(s.loop.Queue().Keys(nightPrefix(guildID, seq)))
}

// Upsert arms or re-arms one reminder.
func (s *Scheduler) Upsert(guildID string, seq int64, userID string, fireAt time.Time) {
	s.loop.Schedule(models.ReminderKey(guildID, seq, userID), fireAt)
	s.gauge()
}

func (s *Scheduler) Remove(guildID string, seq int64, userID string) {
	s.loop.Cancel(models.ReminderKey(guildID, seq, userID))
	s.gauge()
}

// RemoveGameNight drops every reminder of a night.
func (s *Scheduler) RemoveGameNight(guildID string, seq int64) {
	s.loop.CancelPrefix(nightPrefix(guildID, seq))
	s.gauge()
}

// SyncNight makes the armed reminders of night match its current recipients,
// start time and their offsets. Delivered reminders are never re-armed.
// Syncs of the same night run one at a time, so the last one to start sees
// every response committed before it.
func (s *Scheduler) SyncNight(ctx context.Context, night *models.GameNight) error {
	unlock := s.lockNight(night.GuildID, night.Seq)
	defer unlock()

	// 调用方的快照可能已被并发的状态迁移覆盖
	stored, err := s.deps.Nights.Get(ctx, night.GuildID, night.Seq)
	switch {
	case err == nil && stored.UpdatedAt.After(night.UpdatedAt):
		night = stored
	case err != nil && !apperr.IsKind(err, apperr.KindNotFound):
		return err
	}

	if night.State == lifecycle.Cancelled || !s.deps.Clock.Now().Before(night.StartAt) {
		s.RemoveGameNight(night.GuildID, night.Seq)
		return nil
	}

	responses, err := s.deps.Availability.ListForNight(ctx, night.GuildID, night.Seq)
	if err != nil {
		return err
	}
	recipients := Recipients(night, responses)

	offsets, err := s.deps.Reminders.Offsets(ctx, recipients)
	if err != nil {
		return err
	}
	delivered, err := s.deps.Reminders.Delivered(ctx, night.GuildID, night.Seq)
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(recipients))
	for _, user := range recipients {
		if delivered[user] {
			continue
		}
		want[models.ReminderKey(night.GuildID, night.Seq, user)] = struct{}{}
		s.loop.Schedule(models.ReminderKey(night.GuildID, night.Seq, user), s.fireTime(night.StartAt, offsets, user))
	}
	for _, key := range s.loop.Queue().Keys(nightPrefix(night.GuildID, night.Seq)) {
		if _, ok := want[key]; !ok {
			s.loop.Cancel(key)
		}
	}
	s.gauge()
	return nil
}

// SyncUser re-arms every pending reminder of userID after an offset change.
func (s *Scheduler) SyncUser(ctx context.Context, userID string) error {
	offsets, err := s.deps.Reminders.Offsets(ctx, []string{userID})
	if err != nil {
		return err
	}
	for _, key := range s.loop.Queue().Keys("") {
		guildID, seq, user, err := models.ParseReminderKey(key)
		if err != nil || user != userID {
			continue
		}
		if err := s.resyncKey(ctx, key, guildID, seq, userID, offsets); err != nil {
			return err
		}
	}
	s.gauge()
	return nil
}

// resyncKey moves one armed reminder under its night's lock. A key that a
// concurrent SyncNight cancelled meanwhile stays cancelled.
func (s *Scheduler) resyncKey(ctx context.Context, key, guildID string, seq int64, userID string, offsets map[string]int) error {
	unlock := s.lockNight(guildID, seq)
	defer unlock()

	if _, armed := s.loop.Queue().Get(key); !armed {
		return nil
	}
	night, err := s.deps.Nights.Get(ctx, guildID, seq)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			s.loop.Cancel(key)
			return nil
		}
		return err
	}
	s.loop.Schedule(key, s.fireTime(night.StartAt, offsets, userID))
	return nil
}

func (s *Scheduler) lockNight(guildID string, seq int64) func() {
	mu := &s.nights[murmur3.StringSum32(models.NightKey(guildID, seq))%nightStripes]
	mu.Lock()
	return mu.Unlock
}

// Recipients returns the users a night reminds: the attendee set once
// finalized, otherwise everyone who answered yes or maybe.
func Recipients(night *models.GameNight, responses []models.AvailabilityResponse) []string {
	if night.State.AtLeast(lifecycle.Finalized) && night.State != lifecycle.Cancelled {
		return append([]string(nil), night.Attendees...)
	}
	var out []string
	for _, r := range responses {
		if r.Status == models.StatusYes || r.Status == models.StatusMaybe {
			out = append(out, r.UserID)
		}
	}
	return out
}

func (s *Scheduler) fireTime(start time.Time, offsets map[string]int, userID string) time.Time {
	offset, ok := offsets[userID]
	if !ok {
		offset = s.defaultOffset
	}
	return start.Add(-time.Duration(offset) * time.Minute)
}

func (s *Scheduler) fire(e scheduler.Entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if !s.pool.Submit(func() { s.dispatch(ctx, e) }) {
		s.deps.Log.Warn("reminder dropped, pool stopped", zap.String("key", e.Key))
	}
	s.gauge()
}

// dispatch re-reads the reminder from the store before sending, so an entry
// armed with stale data is corrected instead of delivered.
func (s *Scheduler) dispatch(ctx context.Context, e scheduler.Entry) {
	if !s.acquire(e.Key) {
		return
	}
	defer s.release(e.Key)

	log := s.deps.Log.With(zap.String("reminder", e.Key))
	guildID, seq, userID, err := models.ParseReminderKey(e.Key)
	if err != nil {
		log.Error("bad reminder key", zap.Error(err))
		return
	}

	night, err := s.deps.Nights.Get(ctx, guildID, seq)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			s.outcome(statusDropped)
			return
		}
		// 存储不可用，稍后重试
		log.Warn("reminder lookup failed, retrying", zap.Error(err))
		s.requeue(e.Key, s.deps.Clock.Now().Add(s.retry.MaxInterval))
		return
	}

	now := s.deps.Clock.Now()
	if night.State == lifecycle.Cancelled || !now.Before(night.StartAt) {
		s.outcome(statusDropped)
		return
	}

	eligible, fireAt, err := s.current(ctx, night, userID)
	if err != nil {
		log.Warn("reminder lookup failed, retrying", zap.Error(err))
		s.requeue(e.Key, now.Add(s.retry.MaxInterval))
		return
	}
	if !eligible {
		s.outcome(statusDropped)
		return
	}
	if fireAt.After(now) {
		s.requeue(e.Key, fireAt)
		return
	}

	delivered, err := s.deps.Reminders.Delivered(ctx, guildID, seq)
	if err == nil && delivered[userID] {
		s.outcome(statusDropped)
		return
	}

	s.send(ctx, log, night, userID, fireAt)
}

func (s *Scheduler) current(ctx context.Context, night *models.GameNight, userID string) (bool, time.Time, error) {
	responses, err := s.deps.Availability.ListForNight(ctx, night.GuildID, night.Seq)
	if err != nil {
		return false, time.Time{}, err
	}
	found := false
	for _, u := range Recipients(night, responses) {
		if u == userID {
			found = true
			break
		}
	}
	if !found {
		return false, time.Time{}, nil
	}
	offsets, err := s.deps.Reminders.Offsets(ctx, []string{userID})
	if err != nil {
		return false, time.Time{}, err
	}
	return true, s.fireTime(night.StartAt, offsets, userID), nil
}

func (s *Scheduler) send(ctx context.Context, log *zap.Logger, night *models.GameNight, userID string, fireAt time.Time) {
	payload := map[string]any{
		"start_at":       night.StartAt,
		"minutes_before": int(night.StartAt.Sub(fireAt) / time.Minute),
		"state":          night.State,
	}
	if night.SelectedGameID != nil {
		payload["game_id"] = *night.SelectedGameID
	}
	row, err := s.deps.Builder.User(models.EventReminderDue, night, userID, payload)
	if err != nil {
		log.Error("build reminder", zap.Error(err))
		return
	}
	n := notify.FromModel(row)

	attempts := 0
	_, sendErr := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.retry.CollaboratorTimeout)
		defer cancel()
		return struct{}{}, s.deps.Sink.Notify(callCtx, n)
	},
		backoff.WithBackOff(notify.NewBackOff(s.retry)),
		backoff.WithMaxTries(s.retry.MaxTries),
	)
	if ctx.Err() != nil {
		return
	}

	delivery := &models.ReminderDelivery{
		GuildID:  night.GuildID,
		Seq:      night.Seq,
		UserID:   userID,
		Status:   statusSent,
		FireAt:   fireAt,
		Attempts: attempts,
	}
	if sendErr != nil {
		delivery.Status = statusFailed
		delivery.LastError = sendErr.Error()
		log.Error("reminder delivery exhausted", zap.Int("attempts", attempts), zap.Error(sendErr))
	}
	if err := s.deps.Reminders.RecordDelivery(ctx, delivery); err != nil {
		log.Error("record reminder delivery", zap.Error(err))
	}
	s.outcome(delivery.Status)
}

func (s *Scheduler) requeue(key string, at time.Time) {
	s.loop.Schedule(key, at)
	s.outcome(statusRequeued)
}

func (s *Scheduler) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *Scheduler) outcome(status string) {
	s.deps.Metrics.Reminders.WithLabelValues(status).Inc()
	s.gauge()
}

func (s *Scheduler) gauge() {
	s.deps.Metrics.PendingTimers.WithLabelValues(loopName).Set(float64(s.loop.Queue().Len()))
}

func nightPrefix(guildID string, seq int64) string {
	return models.NightKey(guildID, seq) + "/"
}
