package models

import "time"

// GuildMember guild 成员名单，联合主键 (guild_id, user_id)
type GuildMember struct {
	GuildID   string    `gorm:"primaryKey;size:64" json:"guild_id"`
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (GuildMember) TableName() string {
	return "guild_members"
}
