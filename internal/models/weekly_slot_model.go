package models

import (
	"time"
)

const minutesPerWeek = 7 * 24 * 60

// WeeklySlot 一个每周重复的时间段，ID 在 guild 内稳定
type WeeklySlot struct {
	ID                   uint         `json:"id"`
	Name                 string       `json:"name"`
	Weekday              time.Weekday `json:"weekday"`
	StartMinute          int          `json:"start_minute"`
	DurationMinutes      int          `json:"duration_minutes"`
	PollCloseLeadMinutes int          `json:"poll_close_lead_minutes"`
}

// WeeklySlotConfig guild 的每周时段配置，同时保存 guild 的默认公告频道
type WeeklySlotConfig struct {
	GuildID       string       `gorm:"primaryKey;size:64" json:"guild_id"`
	Timezone      string       `gorm:"size:64;not null" json:"timezone"`
	Slots         []WeeklySlot `gorm:"serializer:json" json:"slots"`
	MainChannelID string       `gorm:"size:64" json:"main_channel_id,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (WeeklySlotConfig) TableName() string {
	return "weekly_slot_configs"
}

// DefaultMainChannel is empty when the guild has not set one.
func (c *WeeklySlotConfig) DefaultMainChannel() string {
	if c == nil {
		return ""
	}
	return c.MainChannelID
}

func (c *WeeklySlotConfig) Location() (*time.Location, error) {
	if c == nil || c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Match returns the first slot whose guild-local window contains t.
func (c *WeeklySlotConfig) Match(t time.Time) (WeeklySlot, bool) {
	if c == nil || len(c.Slots) == 0 {
		return WeeklySlot{}, false
	}
	loc, err := c.Location()
	if err != nil {
		return WeeklySlot{}, false
	}
	local := t.In(loc)
	at := int(local.Weekday())*24*60 + local.Hour()*60 + local.Minute()

	for _, s := range c.Slots {
		begin := int(s.Weekday)*24*60 + s.StartMinute
		offset := ((at-begin)%minutesPerWeek + minutesPerWeek) % minutesPerWeek
		duration := s.DurationMinutes
		if duration <= 0 {
			duration = 1
		}
		if offset < duration {
			return s, true
		}
	}
	return WeeklySlot{}, false
}

// NextSlotID returns one past the largest id in use.
func (c *WeeklySlotConfig) NextSlotID() uint {
	var next uint
	for _, s := range c.Slots {
		if s.ID >= next {
			next = s.ID + 1
		}
	}
	return next
}
