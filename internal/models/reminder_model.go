package models

import "time"

// ReminderPreference 用户提醒提前量（分钟）
type ReminderPreference struct {
	UserID        string    `gorm:"primaryKey;size:64" json:"user_id"`
	OffsetMinutes int       `gorm:"not null" json:"offset_minutes"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ReminderPreference) TableName() string {
	return "reminder_preferences"
}

const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// ReminderDelivery 记录已派发（或重试耗尽）的提醒，重启后不再重复触发
type ReminderDelivery struct {
	ID uint `gorm:"primaryKey" json:"-"`

	GuildID   string    `gorm:"size:64;not null;uniqueIndex:idx_delivery" json:"guild_id"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_delivery" json:"seq"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_delivery" json:"user_id"`
	Status    string    `gorm:"size:16;not null" json:"status"`
	FireAt    time.Time `json:"fire_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (ReminderDelivery) TableName() string {
	return "reminder_deliveries"
}
