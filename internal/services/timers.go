package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/scheduler"
)

type timerKind string

const (
	timerOpen        timerKind = "open"
	timerClosingSoon timerKind = "closing_soon"
	timerClose       timerKind = "close"
	timerGamePoll    timerKind = "game_poll"
)

// 定时器 key 形如 "guild/seq#kind"
func timerKey(nightKey string, kind timerKind) string {
	return nightKey + "#" + string(kind)
}

func timerPrefix(nightKey string) string {
	return nightKey + "#"
}

func parseTimerKey(key string) (string, int64, timerKind, bool) {
	i := strings.LastIndexByte(key, '#')
	if i <= 0 {
		return "", 0, "", false
	}
	guildID, seq, err := models.ParseNightKey(key[:i])
	if err != nil {
		return "", 0, "", false
	}
	return guildID, seq, timerKind(key[i+1:]), true
}

// armTimers 按当前状态装载截止时间定时器；已过期的会立即触发，由 CAS 保证只生效一次
func (s *GameNightService) armTimers(night *models.GameNight) {
	key := night.Key()
	switch night.State {
	case lifecycle.Scheduled:
		if night.OpenAt != nil {
			s.timers.Schedule(timerKey(key, timerOpen), *night.OpenAt)
		} else {
			s.timers.Schedule(timerKey(key, timerOpen), s.Clock.Now())
		}
	case lifecycle.AvailabilityOpen:
		if !night.ClosingSoonSent && s.cfg.ClosingSoonLead > 0 {
			soon := night.PollCloseAt.Add(-s.cfg.ClosingSoonLead)
			if soon.Before(night.PollCloseAt) {
				s.timers.Schedule(timerKey(key, timerClosingSoon), soon)
			}
		}
		s.timers.Schedule(timerKey(key, timerClose), night.PollCloseAt)
	case lifecycle.GamePollOpen:
		at := night.StartAt
		if night.GamePollCloseAt != nil {
			at = *night.GamePollCloseAt
		}
		s.timers.Schedule(timerKey(key, timerGamePoll), at)
	}
	s.gauge()
}

// fireTimer 在定时循环的 goroutine 中调用，把工作交给对应游戏之夜的串行队列
func (s *GameNightService) fireTimer(e scheduler.Entry) {
	guildID, seq, kind, ok := parseTimerKey(e.Key)
	if !ok {
		s.Log.Error("bad timer key", zap.String("key", e.Key))
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	nightKey := models.NightKey(guildID, seq)
	if !s.pool.Submit(nightKey, func() { s.onTimer(ctx, guildID, seq, kind) }) {
		s.Log.Warn("timer dropped, pool stopped", zap.String("key", e.Key))
	}
	s.gauge()
}

func (s *GameNightService) onTimer(ctx context.Context, guildID string, seq int64, kind timerKind) {
	key := models.NightKey(guildID, seq)
	log := s.Log.With(zap.String("night", key), zap.String("timer", string(kind)))

	err := s.withRetry(ctx, func(ctx context.Context) error {
		switch kind {
		case timerOpen:
			return s.open(ctx, guildID, seq)
		case timerClosingSoon:
			return s.closingSoon(ctx, guildID, seq)
		case timerClose:
			_, err := s.finalize(ctx, guildID, seq)
			return err
		case timerGamePoll:
			_, err := s.complete(ctx, guildID, seq, nil)
			return err
		}
		return nil
	})

	switch {
	case err == nil:
		log.Debug("timer handled")
	case ctx.Err() != nil:
	case apperr.IsKind(err, apperr.KindInvalidTransition), apperr.IsKind(err, apperr.KindNotFound):
		// 组织者已经推进或取消，定时器过期
		log.Debug("stale timer", zap.Error(err))
	case apperr.Retryable(err):
		log.Error("timer failed, re-arming", zap.Error(err))
		s.timers.Schedule(timerKey(key, kind), s.Clock.Now().Add(s.retry.MaxInterval))
	default:
		log.Error("timer failed", zap.Error(err))
	}
}

// Recover 启动时重建所有非终态游戏之夜的定时器与提醒。
// 过期的截止时间立即触发（CAS 保证只生效一次），停留在 Finalized 的继续开启游戏投票。
// 已完成但尚未开始的游戏之夜没有截止时间，只重建提醒。
// 需要在 Start 之后调用；ctx 的生命周期应覆盖整个进程。
func (s *GameNightService) Recover(ctx context.Context) error {
	var nights, upcoming []models.GameNight
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		if nights, err = s.Nights.ListActive(ctx); err != nil {
			return err
		}
		upcoming, err = s.Nights.ListUpcoming(ctx, s.Clock.Now())
		return err
	})
	if err != nil {
		return err
	}

	for i := range nights {
		night := &nights[i]
		s.armTimers(night)
		s.syncReminders(ctx, night)

		if night.State == lifecycle.Finalized {
			guildID, seq := night.GuildID, night.Seq
			s.pool.Submit(night.Key(), func() {
				err := s.withRetry(ctx, func(ctx context.Context) error {
					_, err := s.finalize(ctx, guildID, seq)
					return err
				})
				if err != nil {
					s.Log.Error("resume game poll failed", zap.String("night", models.NightKey(guildID, seq)), zap.Error(err))
				}
			})
		}
	}
	for i := range upcoming {
		s.syncReminders(ctx, &upcoming[i])
	}
	s.Log.Info("game nights recovered", zap.Int("active", len(nights)), zap.Int("upcoming", len(upcoming)))
	return nil
}
