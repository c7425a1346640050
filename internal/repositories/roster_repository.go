package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/GameNight/internal/models"
)

// RosterRepository guild 成员名单，作为可用性解析的候选用户来源
type RosterRepository struct {
	db *gorm.DB
}

func NewRosterRepository(db *gorm.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// ReplaceMembers 整体替换成员名单
func (r *RosterRepository) ReplaceMembers(ctx context.Context, guildID string, userIDs []string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guild_id = ?", guildID).Delete(&models.GuildMember{}).Error; err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		now := time.Now().UTC()
		members := make([]models.GuildMember, 0, len(userIDs))
		for _, id := range userIDs {
			members = append(members, models.GuildMember{GuildID: guildID, UserID: id, CreatedAt: now})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error
	})
	return storeErr(err, "guild", guildID)
}

// AddMember 添加单个成员，已存在时忽略
func (r *RosterRepository) AddMember(ctx context.Context, guildID, userID string) error {
	member := models.GuildMember{GuildID: guildID, UserID: userID, CreatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
	return storeErr(err, "guild", guildID)
}

// Members 返回按 user_id 排序的成员列表
func (r *RosterRepository) Members(ctx context.Context, guildID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.GuildMember{}).
		Where("guild_id = ?", guildID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, storeErr(err, "guild", guildID)
}
