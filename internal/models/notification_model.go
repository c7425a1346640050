package models

import "time"

type EventKind string

const (
	EventPollOpened      EventKind = "PollOpened"
	EventPollClosingSoon EventKind = "PollClosingSoon"
	EventFinalized       EventKind = "Finalized"
	EventGamePollOpened  EventKind = "GamePollOpened"
	EventGameSelected    EventKind = "GameSelected"
	EventCancelled       EventKind = "Cancelled"
	EventReminderDue     EventKind = "ReminderDue"
)

const (
	TargetChannel = "channel"
	TargetUser    = "user"
)

const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Notification 发件箱记录，与产生它的状态转换在同一事务内写入
type Notification struct {
	ID int64 `gorm:"primaryKey;autoIncrement:false" json:"id"`

	GuildID    string    `gorm:"size:64;not null;index" json:"guild_id"`
	Seq        int64     `gorm:"not null" json:"seq"`
	Kind       EventKind `gorm:"type:varchar(32);not null" json:"kind"`
	TargetType string    `gorm:"size:16;not null" json:"target_type"`
	TargetID   string    `gorm:"size:64" json:"target_id"`
	Payload    string    `gorm:"type:text" json:"payload"`

	Status    string     `gorm:"size:16;not null;index" json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

func (Notification) TableName() string {
	return "notifications"
}

// All returns every persisted model, in migration order.
func All() []any {
	return []any{
		&GameNight{},
		&AvailabilityResponse{},
		&WeeklySlotConfig{},
		&WeeklyAvailability{},
		&ReminderPreference{},
		&ReminderDelivery{},
		&Game{},
		&UserGame{},
		&GameVote{},
		&GuildMember{},
		&Notification{},
	}
}
