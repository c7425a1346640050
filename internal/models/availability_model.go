package models

import (
	"time"

	"github.com/bits-and-blooms/bitset"
)

type ResponseStatus string

const (
	StatusYes   ResponseStatus = "yes"
	StatusNo    ResponseStatus = "no"
	StatusMaybe ResponseStatus = "maybe"
)

func (s ResponseStatus) Valid() bool {
	return s == StatusYes || s == StatusNo || s == StatusMaybe
}

// AvailabilityResponse 单个用户对某次游戏之夜的显式回复，Stamp 用于最后写入者胜出
type AvailabilityResponse struct {
	ID uint `gorm:"primaryKey" json:"-"`

	GuildID     string         `gorm:"size:64;not null;uniqueIndex:idx_response" json:"guild_id"`
	Seq         int64          `gorm:"not null;uniqueIndex:idx_response" json:"seq"`
	UserID      string         `gorm:"size:64;not null;uniqueIndex:idx_response" json:"user_id"`
	Status      ResponseStatus `gorm:"type:varchar(8);not null" json:"status"`
	RespondedAt time.Time      `gorm:"not null" json:"responded_at"`
	Stamp       int64          `gorm:"not null" json:"-"`
}

func (AvailabilityResponse) TableName() string {
	return "availability_responses"
}

// WeeklyAvailability 用户在某个 guild 的每周默认可用时段（slot id 位图）
type WeeklyAvailability struct {
	GuildID   string    `gorm:"primaryKey;size:64" json:"guild_id"`
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	SlotBits  []byte    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WeeklyAvailability) TableName() string {
	return "weekly_availabilities"
}

// Slots decodes the stored slot set. An empty row is an empty set.
func (w *WeeklyAvailability) Slots() (*bitset.BitSet, error) {
	set := bitset.New(0)
	if len(w.SlotBits) == 0 {
		return set, nil
	}
	if err := set.UnmarshalBinary(w.SlotBits); err != nil {
		return nil, err
	}
	return set, nil
}

func (w *WeeklyAvailability) SetSlots(ids []uint) error {
	set := bitset.New(0)
	for _, id := range ids {
		set.Set(id)
	}
	data, err := set.MarshalBinary()
	if err != nil {
		return err
	}
	w.SlotBits = data
	return nil
}

// SlotIDs returns the slot ids in ascending order.
func (w *WeeklyAvailability) SlotIDs() ([]uint, error) {
	set, err := w.Slots()
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, set.Count())
	for i, ok := set.NextSet(0); ok; i, ok = set.NextSet(i + 1) {
		ids = append(ids, i)
	}
	return ids, nil
}
