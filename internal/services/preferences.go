package services

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/utils"
)

type SlotInput struct {
	Name                 string       `json:"name" binding:"required"`
	Weekday              time.Weekday `json:"weekday"`
	StartMinute          int          `json:"start_minute"`
	DurationMinutes      int          `json:"duration_minutes" binding:"required"`
	PollCloseLeadMinutes int          `json:"poll_close_lead_minutes"`
}

// WeeklySlotsRequest main_channel_id 为空时沿用已保存的默认公告频道
type WeeklySlotsRequest struct {
	Timezone      string      `json:"timezone" binding:"required"`
	Slots         []SlotInput `json:"slots"`
	MainChannelID string      `json:"main_channel_id"`
}

type MainChannelRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
}

type WeeklyAvailabilityRequest struct {
	UserID  string `json:"-"`
	SlotIDs []uint `json:"slot_ids"`
}

type WeeklyAvailabilityResponse struct {
	GuildID string `json:"guild_id"`
	UserID  string `json:"user_id"`
	SlotIDs []uint `json:"slot_ids"`
}

type ReminderOffsetRequest struct {
	UserID  string `json:"-"`
	Minutes int    `json:"minutes" binding:"required"`
}

type GameRequest struct {
	Name       string   `json:"name" binding:"required"`
	Tags       []string `json:"tags"`
	MinPlayers int      `json:"min_players"`
	MaxPlayers int      `json:"max_players"`
	Rating     *float64 `json:"rating"`
}

// SetReminderOffset 设置用户提醒提前量（1..10080 分钟），并重新装载该用户的待发提醒
func (s *GameNightService) SetReminderOffset(ctx context.Context, req *ReminderOffsetRequest) error {
	if !utils.ValidateID(req.UserID) {
		return apperr.InvalidArgument("user id is required")
	}
	if !utils.ValidateReminderOffset(req.Minutes) {
		return apperr.InvalidArgument("reminder offset must be between 1 and 10080 minutes").
			WithMeta("minutes", strconv.Itoa(req.Minutes))
	}
	started := time.Now()
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.Reminders.SetOffset(ctx, req.UserID, req.Minutes)
	})
	s.observe("set_reminder_offset", started, err)
	if err != nil {
		return err
	}
	if s.Scheduler != nil {
		if err := s.Scheduler.SyncUser(ctx, req.UserID); err != nil {
			s.Log.Warn("resync reminders failed", zap.String("user", req.UserID), zap.Error(err))
		}
	}
	return nil
}

// ConfigureWeeklySlots 覆盖 guild 的每周时段配置
// 实现逻辑：按名称匹配已有时段沿用其 id，新时段分配 max(id)+1，保证用户的每周选择在重新排序后仍然有效
func (s *GameNightService) ConfigureWeeklySlots(ctx context.Context, guildID string, req *WeeklySlotsRequest) (*models.WeeklySlotConfig, error) {
	if !utils.ValidateID(guildID) {
		return nil, apperr.InvalidArgument("guild id is required")
	}
	if err := utils.ValidateTimezone(req.Timezone); err != nil {
		return nil, apperr.InvalidArgument("%s", err.Error())
	}
	if req.MainChannelID != "" && !utils.ValidateID(req.MainChannelID) {
		return nil, apperr.InvalidArgument("invalid main channel id")
	}
	names := make(map[string]bool, len(req.Slots))
	for _, in := range req.Slots {
		name := strings.TrimSpace(in.Name)
		switch {
		case name == "":
			return nil, apperr.InvalidArgument("slot name is required")
		case names[name]:
			return nil, apperr.InvalidArgument("duplicate slot name %q", name)
		case in.Weekday < time.Sunday || in.Weekday > time.Saturday:
			return nil, apperr.InvalidArgument("slot %q: weekday must be 0..6", name)
		case in.StartMinute < 0 || in.StartMinute >= 24*60:
			return nil, apperr.InvalidArgument("slot %q: start_minute must be 0..1439", name)
		case in.DurationMinutes <= 0 || in.DurationMinutes > 7*24*60:
			return nil, apperr.InvalidArgument("slot %q: duration_minutes must be 1..10080", name)
		case in.PollCloseLeadMinutes < 0:
			return nil, apperr.InvalidArgument("slot %q: poll_close_lead_minutes must not be negative", name)
		}
		names[name] = true
	}

	var cfg *models.WeeklySlotConfig
	err := s.withRetry(ctx, func(ctx context.Context) error {
		existing, err := s.Availability.GetSlotConfig(ctx, guildID)
		if err != nil {
			return err
		}
		cfg = buildSlotConfig(guildID, req, existing)
		return s.Availability.PutSlotConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info("weekly slots configured", zap.String("guild", guildID), zap.Int("slots", len(cfg.Slots)))
	return cfg, nil
}

func buildSlotConfig(guildID string, req *WeeklySlotsRequest, existing *models.WeeklySlotConfig) *models.WeeklySlotConfig {
	byName := make(map[string]uint)
	next := uint(0)
	if existing != nil {
		for _, slot := range existing.Slots {
			byName[slot.Name] = slot.ID
		}
		next = existing.NextSlotID()
	}

	cfg := &models.WeeklySlotConfig{
		GuildID:       guildID,
		Timezone:      req.Timezone,
		Slots:         make([]models.WeeklySlot, 0, len(req.Slots)),
		MainChannelID: req.MainChannelID,
	}
	if cfg.MainChannelID == "" {
		cfg.MainChannelID = existing.DefaultMainChannel()
	}
	for _, in := range req.Slots {
		name := strings.TrimSpace(in.Name)
		id, ok := byName[name]
		if !ok {
			id = next
			next++
		}
		cfg.Slots = append(cfg.Slots, models.WeeklySlot{
			ID:                   id,
			Name:                 name,
			Weekday:              in.Weekday,
			StartMinute:          in.StartMinute,
			DurationMinutes:      in.DurationMinutes,
			PollCloseLeadMinutes: in.PollCloseLeadMinutes,
		})
	}
	return cfg
}

// SetMainChannel 设置 guild 的默认公告频道，创建游戏之夜时未指定 main_channel_id 则使用它
func (s *GameNightService) SetMainChannel(ctx context.Context, guildID string, req *MainChannelRequest) (*models.WeeklySlotConfig, error) {
	if !utils.ValidateID(guildID) {
		return nil, apperr.InvalidArgument("guild id is required")
	}
	if !utils.ValidateID(req.ChannelID) {
		return nil, apperr.InvalidArgument("invalid channel id")
	}

	var cfg *models.WeeklySlotConfig
	err := s.withRetry(ctx, func(ctx context.Context) error {
		existing, err := s.Availability.GetSlotConfig(ctx, guildID)
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &models.WeeklySlotConfig{GuildID: guildID, Timezone: s.cfg.DefaultTimezone, Slots: []models.WeeklySlot{}}
		}
		existing.MainChannelID = req.ChannelID
		cfg = existing
		return s.Availability.PutSlotConfig(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info("main channel set", zap.String("guild", guildID), zap.String("channel", req.ChannelID))
	return cfg, nil
}

// WeeklySlots 读取 guild 的每周时段配置，未配置时返回空配置
func (s *GameNightService) WeeklySlots(ctx context.Context, guildID string) (*models.WeeklySlotConfig, error) {
	cfg, err := s.Availability.GetSlotConfig(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &models.WeeklySlotConfig{GuildID: guildID, Timezone: s.cfg.DefaultTimezone, Slots: []models.WeeklySlot{}}
	}
	return cfg, nil
}

// SetWeeklyAvailability 覆盖用户在 guild 内的每周默认可用时段，slot id 必须存在于当前配置
func (s *GameNightService) SetWeeklyAvailability(ctx context.Context, guildID string, req *WeeklyAvailabilityRequest) (*WeeklyAvailabilityResponse, error) {
	if !utils.ValidateID(guildID) || !utils.ValidateID(req.UserID) {
		return nil, apperr.InvalidArgument("guild id and user id are required")
	}

	var ids []uint
	err := s.withRetry(ctx, func(ctx context.Context) error {
		cfg, err := s.Availability.GetSlotConfig(ctx, guildID)
		if err != nil {
			return err
		}
		known := make(map[uint]bool)
		if cfg != nil {
			for _, slot := range cfg.Slots {
				known[slot.ID] = true
			}
		}
		for _, id := range req.SlotIDs {
			if !known[id] {
				return apperr.InvalidArgument("unknown weekly slot %d", id)
			}
		}

		w := &models.WeeklyAvailability{GuildID: guildID, UserID: req.UserID}
		if err := w.SetSlots(req.SlotIDs); err != nil {
			return err
		}
		if err := s.Availability.PutWeekly(ctx, w); err != nil {
			return err
		}
		ids, err = w.SlotIDs()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &WeeklyAvailabilityResponse{GuildID: guildID, UserID: req.UserID, SlotIDs: ids}, nil
}

// SyncRoster 名册协作方推送 guild 成员全集
func (s *GameNightService) SyncRoster(ctx context.Context, guildID string, userIDs []string) ([]string, error) {
	if !utils.ValidateID(guildID) {
		return nil, apperr.InvalidArgument("guild id is required")
	}
	for _, u := range userIDs {
		if !utils.ValidateID(u) {
			return nil, apperr.InvalidArgument("invalid user id %q", u)
		}
	}
	var members []string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		if err := s.Roster.ReplaceMembers(ctx, guildID, userIDs); err != nil {
			return err
		}
		var err error
		members, err = s.Roster.Members(ctx, guildID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// UpsertGame 游戏库协作方写入游戏元数据
func (s *GameNightService) UpsertGame(ctx context.Context, gameID string, req *GameRequest) (*models.Game, error) {
	if !utils.ValidateID(gameID) {
		return nil, apperr.InvalidArgument("invalid game id")
	}
	if req.MinPlayers < 0 || req.MaxPlayers < 0 || (req.MaxPlayers > 0 && req.MinPlayers > req.MaxPlayers) {
		return nil, apperr.InvalidArgument("invalid player range %d..%d", req.MinPlayers, req.MaxPlayers)
	}
	game := &models.Game{
		ID:         gameID,
		Name:       strings.TrimSpace(req.Name),
		Tags:       utils.NormalizeTags(req.Tags),
		MinPlayers: req.MinPlayers,
		MaxPlayers: req.MaxPlayers,
		Rating:     req.Rating,
	}
	if game.Name == "" {
		return nil, apperr.InvalidArgument("game name is required")
	}
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.Library.UpsertGame(ctx, game)
	})
	if err != nil {
		return nil, err
	}
	return game, nil
}

// ReplaceLibrary 游戏库协作方覆盖用户拥有的游戏
func (s *GameNightService) ReplaceLibrary(ctx context.Context, userID string, gameIDs []string) ([]string, error) {
	if !utils.ValidateID(userID) {
		return nil, apperr.InvalidArgument("invalid user id")
	}
	for _, id := range gameIDs {
		if !utils.ValidateID(id) {
			return nil, apperr.InvalidArgument("invalid game id %q", id)
		}
	}
	var owned []string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		if err := s.Library.ReplaceLibrary(ctx, userID, gameIDs); err != nil {
			return err
		}
		m, err := s.Library.OwnedGames(ctx, []string{userID})
		if err != nil {
			return err
		}
		owned = append([]string{}, m[userID]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(owned)
	return owned, nil
}
