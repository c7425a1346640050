package services

import (
	"context"
	"slices"
	"time"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/utils"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

type HistoryEntry struct {
	Seq       int64     `json:"seq"`
	StartAt   time.Time `json:"start_at"`
	GameID    *string   `json:"game_id,omitempty"`
	GameName  string    `json:"game_name,omitempty"`
	Attendees int       `json:"attendees"`
}

type HistoryResponse struct {
	GuildID string         `json:"guild_id"`
	UserID  string         `json:"user_id"`
	Total   int            `json:"total"`
	Nights  []HistoryEntry `json:"game_nights"`
}

// History 返回用户在 guild 内参加过的已完成游戏之夜，按开始时间倒序，最多 limit 条
// 实现逻辑：attendees 是 JSON 列，各数据库的查询语法不同，这里读出 guild 的已完成记录后在内存中过滤
func (s *GameNightService) History(ctx context.Context, guildID, userID string, limit int) (*HistoryResponse, error) {
	if !utils.ValidateID(guildID) {
		return nil, apperr.InvalidArgument("guild id is required")
	}
	if !utils.ValidateID(userID) {
		return nil, apperr.InvalidArgument("user id is required")
	}
	switch {
	case limit == 0:
		limit = defaultHistoryLimit
	case limit < 0 || limit > maxHistoryLimit:
		return nil, apperr.InvalidArgument("limit must be between 1 and %d", maxHistoryLimit)
	}

	var nights []models.GameNight
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		nights, err = s.Nights.ListCompleted(ctx, guildID)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &HistoryResponse{GuildID: guildID, UserID: userID, Nights: []HistoryEntry{}}
	for i := range nights {
		night := &nights[i]
		if !slices.Contains(night.Attendees, userID) {
			continue
		}
		out.Total++
		if len(out.Nights) < limit {
			out.Nights = append(out.Nights, historyEntry(night))
		}
	}
	return out, nil
}

func historyEntry(night *models.GameNight) HistoryEntry {
	entry := HistoryEntry{
		Seq:       night.Seq,
		StartAt:   night.StartAt,
		GameID:    night.SelectedGameID,
		Attendees: len(night.Attendees),
	}
	if night.SelectedGameID != nil {
		for _, o := range night.PollOptions {
			if o.GameID == *night.SelectedGameID {
				entry.GameName = o.Name
				break
			}
		}
	}
	return entry
}
