package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/GameNight/internal/models"
)

type ReminderRepository struct {
	db *gorm.DB
}

func NewReminderRepository(db *gorm.DB) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// SetOffset 设置用户提醒提前量
func (r *ReminderRepository) SetOffset(ctx context.Context, userID string, minutes int) error {
	pref := models.ReminderPreference{UserID: userID, OffsetMinutes: minutes, UpdatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"offset_minutes", "updated_at"}),
	}).Create(&pref).Error
	return storeErr(err, "reminder preference", userID)
}

// Offsets 批量读取提醒提前量，未设置的用户不在结果中
func (r *ReminderRepository) Offsets(ctx context.Context, userIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var prefs []models.ReminderPreference
	if err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&prefs).Error; err != nil {
		return nil, storeErr(err, "reminder preference", "batch")
	}
	for _, p := range prefs {
		out[p.UserID] = p.OffsetMinutes
	}
	return out, nil
}

// RecordDelivery 记录提醒派发结果，同一 (guild, seq, user) 只保留第一次
func (r *ReminderRepository) RecordDelivery(ctx context.Context, d *models.ReminderDelivery) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(d).Error
	return storeErr(err, "reminder delivery", models.ReminderKey(d.GuildID, d.Seq, d.UserID))
}

// Delivered 返回某次游戏之夜已派发过提醒的用户
func (r *ReminderRepository) Delivered(ctx context.Context, guildID string, seq int64) (map[string]bool, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&models.ReminderDelivery{}).
		Where("guild_id = ? AND seq = ?", guildID, seq).
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, storeErr(err, "reminder delivery", models.NightKey(guildID, seq))
	}
	out := make(map[string]bool, len(users))
	for _, u := range users {
		out[u] = true
	}
	return out, nil
}

// Deliveries 按 user_id 排序返回某次游戏之夜的派发记录
func (r *ReminderRepository) Deliveries(ctx context.Context, guildID string, seq int64) ([]models.ReminderDelivery, error) {
	var rows []models.ReminderDelivery
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND seq = ?", guildID, seq).
		Order("user_id").
		Find(&rows).Error
	return rows, storeErr(err, "reminder delivery", models.NightKey(guildID, seq))
}
