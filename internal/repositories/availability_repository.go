package repositories

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/models"
)

type AvailabilityRepository struct {
	db *gorm.DB
}

func NewAvailabilityRepository(db *gorm.DB) *AvailabilityRepository {
	return &AvailabilityRepository{db: db}
}

// Respond 写入显式回复。
// 共享锁读取游戏之夜，仅 AvailabilityOpen 且未过截止时间时接受；
// upsert 只覆盖 stamp 不大于新值的旧记录，保证最后写入者胜出。
func (r *AvailabilityRepository) Respond(ctx context.Context, resp *models.AvailabilityResponse) error {
	key := models.NightKey(resp.GuildID, resp.Seq)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var night models.GameNight
		if err := lockRow(tx, "SHARE").
			Select("id", "state", "poll_close_at").
			Where("guild_id = ? AND seq = ?", resp.GuildID, resp.Seq).
			First(&night).Error; err != nil {
			return err
		}
		if night.State != lifecycle.AvailabilityOpen {
			return apperr.PollClosed(string(night.State))
		}
		if resp.RespondedAt.After(night.PollCloseAt) {
			return apperr.PollClosed("deadline passed")
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}, {Name: "seq"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "responded_at", "stamp"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "availability_responses.stamp <= excluded.stamp"},
			}},
		}).Create(resp).Error
	})
	return storeErr(err, "game night", key)
}

func (r *AvailabilityRepository) Get(ctx context.Context, guildID string, seq int64, userID string) (*models.AvailabilityResponse, error) {
	var resp models.AvailabilityResponse
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND seq = ? AND user_id = ?", guildID, seq, userID).
		First(&resp).Error
	if err != nil {
		return nil, storeErr(err, "response", models.ReminderKey(guildID, seq, userID))
	}
	return &resp, nil
}

// ListForNight 返回某次游戏之夜的全部显式回复，按 user_id 排序
func (r *AvailabilityRepository) ListForNight(ctx context.Context, guildID string, seq int64) ([]models.AvailabilityResponse, error) {
	return listResponses(r.db.WithContext(ctx), guildID, seq)
}

func listResponses(db *gorm.DB, guildID string, seq int64) ([]models.AvailabilityResponse, error) {
	var responses []models.AvailabilityResponse
	err := db.Where("guild_id = ? AND seq = ?", guildID, seq).
		Order("user_id").
		Find(&responses).Error
	return responses, storeErr(err, "game night", models.NightKey(guildID, seq))
}

// PutWeekly 覆盖用户的每周可用时段
func (r *AvailabilityRepository) PutWeekly(ctx context.Context, w *models.WeeklyAvailability) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"slot_bits", "updated_at"}),
	}).Create(w).Error
	return storeErr(err, "weekly availability", w.UserID)
}

// GetWeekly 返回用户的每周可用时段，未设置时返回空记录
func (r *AvailabilityRepository) GetWeekly(ctx context.Context, guildID, userID string) (*models.WeeklyAvailability, error) {
	var w models.WeeklyAvailability
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Limit(1).
		Find(&w).Error
	if err != nil {
		return nil, storeErr(err, "weekly availability", userID)
	}
	w.GuildID, w.UserID = guildID, userID
	return &w, nil
}

// ListWeekly 批量读取 guild 内所有用户的每周可用时段
func (r *AvailabilityRepository) ListWeekly(ctx context.Context, guildID string) ([]models.WeeklyAvailability, error) {
	var rows []models.WeeklyAvailability
	err := r.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("user_id").
		Find(&rows).Error
	return rows, storeErr(err, "guild", guildID)
}

// GetSlotConfig 返回 guild 的每周时段配置，未配置时返回 nil
func (r *AvailabilityRepository) GetSlotConfig(ctx context.Context, guildID string) (*models.WeeklySlotConfig, error) {
	var configs []models.WeeklySlotConfig
	err := r.db.WithContext(ctx).Where("guild_id = ?", guildID).Limit(1).Find(&configs).Error
	if err != nil {
		return nil, storeErr(err, "weekly slots", guildID)
	}
	if len(configs) == 0 {
		return nil, nil
	}
	return &configs[0], nil
}

func (r *AvailabilityRepository) PutSlotConfig(ctx context.Context, cfg *models.WeeklySlotConfig) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "guild_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"timezone", "slots", "main_channel_id", "updated_at"}),
	}).Create(cfg).Error
	return storeErr(err, "weekly slots", cfg.GuildID)
}
