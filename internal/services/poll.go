package services

import (
	"context"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/repositories"
	"github.com/Gopher0727/GameNight/internal/resolver"
	"github.com/Gopher0727/GameNight/internal/utils"
)

type RespondRequest struct {
	UserID string                `json:"-"`
	Status models.ResponseStatus `json:"status" binding:"required"`
}

// FinalizeResult 定稿结果。Outcome 为空表示游戏投票已开启，
// 否则是提前结束流程的原因（no_attendees / no_suitable_games）
type FinalizeResult struct {
	Night            *models.GameNight `json:"night"`
	Attendees        []string          `json:"attendees"`
	Maybe            []string          `json:"maybe"`
	AlreadyFinalized bool              `json:"already_finalized"`
	Outcome          string            `json:"outcome,omitempty"`
}

// Respond 记录用户对可用性投票的回复
// 实现逻辑：不进入串行队列，仓储在一个事务内以共享锁读取状态，仅 AvailabilityOpen 时接受，
// 按时间戳做最后写入者胜出；成功后同步该用户的提醒
func (s *GameNightService) Respond(ctx context.Context, guildID string, seq int64, req *RespondRequest) (*models.AvailabilityResponse, error) {
	if !utils.ValidateID(req.UserID) {
		return nil, apperr.InvalidArgument("user id is required")
	}
	if !req.Status.Valid() {
		return nil, apperr.InvalidArgument("status must be yes, no or maybe")
	}

	now := s.Clock.Now()
	resp := &models.AvailabilityResponse{
		GuildID:     guildID,
		Seq:         seq,
		UserID:      req.UserID,
		Status:      req.Status,
		RespondedAt: now,
		Stamp:       now.UnixNano(),
	}

	started := now
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.Availability.Respond(ctx, resp)
	})
	s.observe("respond", started, err)
	if err != nil {
		return nil, err
	}

	if night, err := s.Nights.Get(ctx, guildID, seq); err == nil {
		s.syncReminders(ctx, night)
	}
	return resp, nil
}

// Finalize 组织者提前定稿（或截止时间到达时由定时器触发）
// 实现逻辑：在串行队列中以 CAS AvailabilityOpen→Finalized 写入参与者与 Finalized 通知；
// 重复定稿返回已保存的参与者且不产生任何通知；随后在同一任务内开启游戏投票
func (s *GameNightService) Finalize(ctx context.Context, guildID string, seq int64, organizerID string) (*FinalizeResult, error) {
	key := models.NightKey(guildID, seq)
	var result *FinalizeResult
	err := s.serialized(ctx, key, "finalize", func(ctx context.Context) error {
		var err error
		result, err = s.finalize(ctx, guildID, seq)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info("finalize requested",
		zap.String("night", key),
		zap.String("by", organizerID),
		zap.Bool("already_finalized", result.AlreadyFinalized),
		zap.String("outcome", result.Outcome),
	)
	return result, nil
}

// finalize 必须在串行队列中调用
func (s *GameNightService) finalize(ctx context.Context, guildID string, seq int64) (*FinalizeResult, error) {
	current, err := s.Nights.Get(ctx, guildID, seq)
	if err != nil {
		return nil, err
	}
	if current.State != lifecycle.AvailabilityOpen {
		return s.finalizeDone(ctx, current)
	}

	input, err := s.resolverInput(ctx, current)
	if err != nil {
		return nil, err
	}

	var res resolver.Result
	already := false
	night, err := s.Nights.ApplyWith(ctx, guildID, seq, func(read repositories.Reader, n *models.GameNight) ([]string, []models.Notification, error) {
		if n.State.AtLeast(lifecycle.Finalized) {
			already = true
			return nil, nil, nil
		}
		if err := lifecycle.Check(lifecycle.AvailabilityOpen, n.State, lifecycle.Finalized); err != nil {
			return nil, nil, err
		}

		// 回复在同一事务内读取，定稿后不会再有被接受的回复
		responses, err := read.Responses()
		if err != nil {
			return nil, nil, err
		}
		input.Responses = responseMap(responses)
		res = resolver.Resolve(input)

		finalizedAt := s.Clock.Now()
		n.State = lifecycle.Finalized
		n.Attendees = res.Attendees
		n.Maybe = res.Maybe
		n.FinalizedAt = &finalizedAt

		ev, err := s.Builder.Channel(models.EventFinalized, n, finalizedPayload{
			StartAt:   n.StartAt,
			Attendees: res.Attendees,
			Maybe:     res.Maybe,
			Implicit:  res.Implicit,
		})
		if err != nil {
			return nil, nil, err
		}
		return []string{"state", "attendees", "maybe", "finalized_at"}, []models.Notification{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return s.finalizeDone(ctx, night)
	}

	s.transition(lifecycle.AvailabilityOpen, lifecycle.Finalized)
	s.Log.Info("game night finalized", zap.String("night", night.Key()), zap.Strings("attendees", night.Attendees))
	s.timers.CancelPrefix(timerPrefix(night.Key()))
	s.kick()
	s.syncReminders(ctx, night)

	return s.afterFinalize(ctx, night, false)
}

// finalizeDone 处理非 AvailabilityOpen 状态下的定稿请求
func (s *GameNightService) finalizeDone(ctx context.Context, night *models.GameNight) (*FinalizeResult, error) {
	switch {
	case night.State == lifecycle.Cancelled, !night.State.AtLeast(lifecycle.Finalized):
		return nil, apperr.InvalidTransition(string(lifecycle.AvailabilityOpen), string(night.State))
	case night.State == lifecycle.Finalized:
		// 上次开启游戏投票未完成，在这里续上
		return s.afterFinalize(ctx, night, true)
	default:
		return &FinalizeResult{
			Night:            night,
			Attendees:        night.Attendees,
			Maybe:            night.Maybe,
			AlreadyFinalized: true,
		}, nil
	}
}

func (s *GameNightService) afterFinalize(ctx context.Context, night *models.GameNight, already bool) (*FinalizeResult, error) {
	result := &FinalizeResult{
		Night:            night,
		Attendees:        night.Attendees,
		Maybe:            night.Maybe,
		AlreadyFinalized: already,
	}
	next, err := s.openGamePoll(ctx, night)
	if next != nil {
		result.Night = next
	}
	if err != nil {
		if !apperr.Informational(err) {
			return nil, err
		}
		result.Outcome = result.Night.CancelReason
	}
	return result, nil
}

// resolverInput 读取名册、每周时段配置和每周可用性
func (s *GameNightService) resolverInput(ctx context.Context, night *models.GameNight) (resolver.Input, error) {
	roster, err := s.Roster.Members(ctx, night.GuildID)
	if err != nil {
		return resolver.Input{}, err
	}
	slots, err := s.Availability.GetSlotConfig(ctx, night.GuildID)
	if err != nil {
		return resolver.Input{}, err
	}
	weekly, err := s.Availability.ListWeekly(ctx, night.GuildID)
	if err != nil {
		return resolver.Input{}, err
	}

	sets := make(map[string]*bitset.BitSet, len(weekly))
	for i := range weekly {
		set, err := weekly[i].Slots()
		if err != nil {
			s.Log.Warn("skip corrupt weekly availability",
				zap.String("guild", night.GuildID),
				zap.String("user", weekly[i].UserID),
				zap.Error(err),
			)
			continue
		}
		sets[weekly[i].UserID] = set
	}
	return resolver.Input{
		StartAt: night.StartAt,
		Roster:  roster,
		Slots:   slots,
		Weekly:  sets,
	}, nil
}

func responseMap(responses []models.AvailabilityResponse) map[string]models.ResponseStatus {
	out := make(map[string]models.ResponseStatus, len(responses))
	for _, r := range responses {
		out[r.UserID] = r.Status
	}
	return out
}

// closingSoon 发送一次 PollClosingSoon，closing_soon_sent 防止重启后重复发送
func (s *GameNightService) closingSoon(ctx context.Context, guildID string, seq int64) error {
	now := s.Clock.Now()
	sent := false
	_, err := s.Nights.ApplyWith(ctx, guildID, seq, func(read repositories.Reader, n *models.GameNight) ([]string, []models.Notification, error) {
		if n.State != lifecycle.AvailabilityOpen || n.ClosingSoonSent || !now.Before(n.PollCloseAt) {
			return nil, nil, nil
		}
		responses, err := read.Responses()
		if err != nil {
			return nil, nil, err
		}
		n.ClosingSoonSent = true
		ev, err := s.Builder.Channel(models.EventPollClosingSoon, n, closingSoonPayload{
			PollCloseAt: n.PollCloseAt,
			Responded:   len(responses),
		})
		if err != nil {
			return nil, nil, err
		}
		sent = true
		return []string{"closing_soon_sent"}, []models.Notification{ev}, nil
	})
	if err != nil {
		return err
	}
	if sent {
		s.kick()
	}
	return nil
}

// open 定时开启 Scheduled 的游戏之夜
func (s *GameNightService) open(ctx context.Context, guildID string, seq int64) error {
	opened := false
	night, err := s.Nights.Apply(ctx, guildID, seq, func(n *models.GameNight) ([]string, []models.Notification, error) {
		if n.State != lifecycle.Scheduled {
			return nil, nil, nil
		}
		n.State = lifecycle.AvailabilityOpen
		ev, err := s.Builder.Channel(models.EventPollOpened, n, pollOpenedPayload{
			OrganizerID: n.OrganizerID,
			StartAt:     n.StartAt,
			PollCloseAt: n.PollCloseAt,
		})
		if err != nil {
			return nil, nil, err
		}
		opened = true
		return []string{"state"}, []models.Notification{ev}, nil
	})
	if err != nil {
		return err
	}
	if opened {
		s.transition(lifecycle.Scheduled, lifecycle.AvailabilityOpen)
		s.Log.Info("availability poll opened", zap.String("night", night.Key()))
		s.kick()
	}
	s.armTimers(night)
	return nil
}
