package models

import (
	"strings"
	"time"
)

// Game 游戏元数据，MaxPlayers 为 0 表示人数未知（不限）
type Game struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	Name       string    `gorm:"not null" json:"name"`
	Tags       []string  `gorm:"serializer:json" json:"tags"`
	MinPlayers int       `json:"min_players"`
	MaxPlayers int       `json:"max_players"`
	Rating     *float64  `json:"rating,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Game) TableName() string {
	return "games"
}

// HasAnyTag reports whether the game carries at least one of tags, ignoring case.
func (g *Game) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range g.Tags {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// UserGame 用户游戏库条目
type UserGame struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	GameID    string    `gorm:"primaryKey;size:64;index" json:"game_id"`
	Owned     bool      `gorm:"not null;default:true" json:"owned"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UserGame) TableName() string {
	return "user_games"
}

// GameVote 游戏投票，每人一票，后投覆盖
type GameVote struct {
	ID uint `gorm:"primaryKey" json:"-"`

	GuildID string    `gorm:"size:64;not null;uniqueIndex:idx_vote" json:"guild_id"`
	Seq     int64     `gorm:"not null;uniqueIndex:idx_vote" json:"seq"`
	UserID  string    `gorm:"size:64;not null;uniqueIndex:idx_vote" json:"user_id"`
	GameID  string    `gorm:"size:64;not null" json:"game_id"`
	VotedAt time.Time `json:"voted_at"`
}

func (GameVote) TableName() string {
	return "game_votes"
}
