package models

import (
	"time"

	"github.com/Gopher0727/GameNight/internal/lifecycle"
)

// PollOption 游戏投票选项（排名顺序即数组顺序）
type PollOption struct {
	GameID       string  `json:"game_id"`
	Name         string  `json:"name"`
	SharedOwners int     `json:"shared_owners"`
	Score        float64 `json:"score"`
}

// GameNight 一次游戏之夜，(guild_id, seq) 唯一
type GameNight struct {
	ID uint `gorm:"primaryKey" json:"-"`

	GuildID     string `gorm:"size:64;not null;uniqueIndex:idx_guild_seq" json:"guild_id"`
	Seq         int64  `gorm:"not null;uniqueIndex:idx_guild_seq" json:"seq"`
	OrganizerID string `gorm:"size:64;not null" json:"organizer_id"`

	StartAt         time.Time  `gorm:"not null;index" json:"start_at"`
	PollCloseAt     time.Time  `gorm:"not null" json:"poll_close_at"`
	OpenAt          *time.Time `json:"open_at,omitempty"`
	GamePollCloseAt *time.Time `json:"game_poll_close_at,omitempty"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`

	State             lifecycle.State `gorm:"type:varchar(32);not null;index" json:"state"`
	PlanningChannelID string          `gorm:"size:64" json:"planning_channel_id"`
	MainChannelID     string          `gorm:"size:64" json:"main_channel_id"`

	// 仅在 Finalized 之后写入
	Attendees   []string     `gorm:"serializer:json" json:"attendees"`
	Maybe       []string     `gorm:"serializer:json" json:"maybe,omitempty"`
	PollOptions []PollOption `gorm:"serializer:json" json:"poll_options,omitempty"`

	SelectedGameID  *string `gorm:"size:64" json:"selected_game_id,omitempty"`
	CancelReason    string  `gorm:"size:32" json:"cancel_reason,omitempty"`
	ClosingSoonSent bool    `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (GameNight) TableName() string {
	return "game_nights"
}

// Key 串行队列与定时器使用的标识
func (g *GameNight) Key() string {
	return NightKey(g.GuildID, g.Seq)
}

// AnnounceChannel 主频道未配置时回落到规划频道
func (g *GameNight) AnnounceChannel() string {
	if g.MainChannelID != "" {
		return g.MainChannelID
	}
	return g.PlanningChannelID
}

// HasOption reports whether gameID is one of the poll options.
func (g *GameNight) HasOption(gameID string) bool {
	for _, o := range g.PollOptions {
		if o.GameID == gameID {
			return true
		}
	}
	return false
}
