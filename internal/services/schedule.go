package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/utils"
)

type ScheduleRequest struct {
	OrganizerID       string     `json:"-"`
	StartAt           time.Time  `json:"start_at" binding:"required"`
	PollCloseAt       *time.Time `json:"poll_close_at"`
	OpenAt            *time.Time `json:"open_at"`
	PlanningChannelID string     `json:"planning_channel_id" binding:"required"`
	MainChannelID     string     `json:"main_channel_id"`
}

type RescheduleRequest struct {
	StartAt     time.Time  `json:"start_at" binding:"required"`
	PollCloseAt *time.Time `json:"poll_close_at"`
}

// Schedule 创建游戏之夜
// 实现逻辑：校验开始时间，按显式值 / 每周时段 / 默认提前量推导截止时间，分配 guild 内序号；
// open_at 在未来时以 Scheduled 创建并等待开启，否则在同一事务内直接开启投票并写入 PollOpened
func (s *GameNightService) Schedule(ctx context.Context, guildID string, req *ScheduleRequest) (*models.GameNight, error) {
	started := time.Now()
	night, err := s.schedule(ctx, guildID, req)
	s.observe("schedule", started, err)
	return night, err
}

func (s *GameNightService) schedule(ctx context.Context, guildID string, req *ScheduleRequest) (*models.GameNight, error) {
	if !utils.ValidateID(guildID) || !utils.ValidateID(req.OrganizerID) {
		return nil, apperr.InvalidArgument("guild id and organizer id are required")
	}
	if !utils.ValidateID(req.PlanningChannelID) {
		return nil, apperr.InvalidArgument("planning channel id is required")
	}
	if req.MainChannelID != "" && !utils.ValidateID(req.MainChannelID) {
		return nil, apperr.InvalidArgument("invalid main channel id")
	}

	now := s.Clock.Now()
	start := req.StartAt.UTC()
	if !start.After(now) {
		return nil, apperr.InvalidArgument("start_at must be in the future")
	}

	var slots *models.WeeklySlotConfig
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		slots, err = s.Availability.GetSlotConfig(ctx, guildID)
		return err
	})
	if err != nil {
		return nil, err
	}
	closeAt, err := s.pollDeadline(start, req.PollCloseAt, slots, now)
	if err != nil {
		return nil, err
	}

	night := &models.GameNight{
		GuildID:           guildID,
		OrganizerID:       req.OrganizerID,
		StartAt:           start,
		PollCloseAt:       closeAt,
		State:             lifecycle.AvailabilityOpen,
		PlanningChannelID: req.PlanningChannelID,
		MainChannelID:     req.MainChannelID,
	}
	if night.MainChannelID == "" {
		night.MainChannelID = slots.DefaultMainChannel()
	}
	if req.OpenAt != nil {
		openAt := req.OpenAt.UTC()
		if !openAt.Before(closeAt) {
			return nil, apperr.InvalidArgument("open_at must be before the poll deadline")
		}
		if openAt.After(now) {
			night.State = lifecycle.Scheduled
			night.OpenAt = &openAt
		}
	}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		seq, err := s.allocateSeq(ctx, guildID)
		if err != nil {
			return err
		}
		night.Seq = seq

		var events []models.Notification
		if night.State == lifecycle.AvailabilityOpen {
			ev, err := s.Builder.Channel(models.EventPollOpened, night, pollOpenedPayload{
				OrganizerID: night.OrganizerID,
				StartAt:     night.StartAt,
				PollCloseAt: night.PollCloseAt,
			})
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return s.Nights.Create(ctx, night, events)
	})
	if err != nil {
		return nil, err
	}

	s.transition("none", night.State)
	s.Log.Info("game night scheduled",
		zap.String("night", night.Key()),
		zap.String("state", string(night.State)),
		zap.Time("start_at", night.StartAt),
		zap.Time("poll_close_at", night.PollCloseAt),
	)
	s.armTimers(night)
	s.kick()
	return night, nil
}

// allocateSeq 先把 redis 计数器抬到数据库已用的最大值，再 INCR
func (s *GameNightService) allocateSeq(ctx context.Context, guildID string) (int64, error) {
	floor, err := s.Nights.MaxSeq(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if _, err := s.Seq.EnsureSeqAtLeast(ctx, guildID, floor); err != nil {
		return 0, apperr.Unavailable(err, "sequence")
	}
	seq, err := s.Seq.NextSeq(ctx, guildID)
	if err != nil {
		return 0, apperr.Unavailable(err, "sequence")
	}
	return seq, nil
}

// pollDeadline 显式截止时间优先；否则取匹配的每周时段提前量；再否则 start - default_poll_lead。
// 推导出的截止时间早于 now 时取 now。
func (s *GameNightService) pollDeadline(start time.Time, explicit *time.Time, slots *models.WeeklySlotConfig, now time.Time) (time.Time, error) {
	if explicit != nil {
		closeAt := explicit.UTC()
		if closeAt.After(start) {
			return time.Time{}, apperr.InvalidArgument("poll_close_at must not be after start_at")
		}
		if !closeAt.After(now) {
			return time.Time{}, apperr.InvalidArgument("poll_close_at must be in the future")
		}
		return closeAt, nil
	}

	lead := s.cfg.DefaultPollLead
	if slot, ok := slots.Match(start); ok && slot.PollCloseLeadMinutes > 0 {
		lead = time.Duration(slot.PollCloseLeadMinutes) * time.Minute
	}
	closeAt := start.Add(-lead)
	if closeAt.Before(now) {
		closeAt = now
	}
	return closeAt, nil
}

// Reschedule 修改开始时间，仅在 Scheduled / AvailabilityOpen 状态允许；
// 重新推导截止时间并重新装载定时器与提醒
func (s *GameNightService) Reschedule(ctx context.Context, guildID string, seq int64, req *RescheduleRequest) (*models.GameNight, error) {
	key := models.NightKey(guildID, seq)
	var night *models.GameNight
	err := s.serialized(ctx, key, "reschedule", func(ctx context.Context) error {
		now := s.Clock.Now()
		start := req.StartAt.UTC()
		if !start.After(now) {
			return apperr.InvalidArgument("start_at must be in the future")
		}
		slots, err := s.Availability.GetSlotConfig(ctx, guildID)
		if err != nil {
			return err
		}
		closeAt, err := s.pollDeadline(start, req.PollCloseAt, slots, now)
		if err != nil {
			return err
		}

		night, err = s.Nights.Apply(ctx, guildID, seq, func(n *models.GameNight) ([]string, []models.Notification, error) {
			if n.State != lifecycle.Scheduled && n.State != lifecycle.AvailabilityOpen {
				return nil, nil, apperr.InvalidTransition(string(lifecycle.AvailabilityOpen), string(n.State))
			}
			if n.OpenAt != nil && !n.OpenAt.Before(closeAt) {
				return nil, nil, apperr.InvalidArgument("open_at must be before the poll deadline")
			}
			n.StartAt = start
			n.PollCloseAt = closeAt
			n.ClosingSoonSent = false
			return []string{"start_at", "poll_close_at", "closing_soon_sent"}, nil, nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info("game night rescheduled", zap.String("night", key), zap.Time("start_at", night.StartAt))
	s.timers.CancelPrefix(timerPrefix(key))
	s.armTimers(night)
	s.syncReminders(ctx, night)
	return night, nil
}

// Cancel 组织者取消游戏之夜。已取消时视为成功（重试安全），已完成时返回 InvalidTransition
func (s *GameNightService) Cancel(ctx context.Context, guildID string, seq int64, organizerID string) (*models.GameNight, error) {
	key := models.NightKey(guildID, seq)
	var night *models.GameNight
	err := s.serialized(ctx, key, "cancel", func(ctx context.Context) error {
		var err error
		night, err = s.cancel(ctx, guildID, seq, "", lifecycle.ReasonOrganizer, map[string]string{"by": organizerID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return night, nil
}

// cancel 取消游戏之夜；expected 非空时要求当前状态等于 expected
func (s *GameNightService) cancel(ctx context.Context, guildID string, seq int64, expected lifecycle.State, reason string, meta map[string]string) (*models.GameNight, error) {
	var from lifecycle.State
	changed := false
	night, err := s.Nights.Apply(ctx, guildID, seq, func(n *models.GameNight) ([]string, []models.Notification, error) {
		from = n.State
		if n.State == lifecycle.Cancelled && expected == "" {
			return nil, nil, nil
		}
		if expected != "" {
			if err := lifecycle.Check(expected, n.State, lifecycle.Cancelled); err != nil {
				return nil, nil, err
			}
		} else if err := lifecycle.CancelSource(n.State); err != nil {
			return nil, nil, err
		}

		n.State = lifecycle.Cancelled
		n.CancelReason = reason
		ev, err := s.Builder.Channel(models.EventCancelled, n, cancelledPayload{Reason: reason, Meta: meta})
		if err != nil {
			return nil, nil, err
		}
		changed = true
		return []string{"state", "cancel_reason"}, []models.Notification{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.transition(from, lifecycle.Cancelled)
		s.Log.Info("game night cancelled", zap.String("night", night.Key()), zap.String("reason", reason))
		s.kick()
	}
	s.releaseNight(night)
	return night, nil
}
