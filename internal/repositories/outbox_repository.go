package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/GameNight/internal/models"
)

// OutboxRepository 通知发件箱
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func insertNotifications(tx *gorm.DB, events []models.Notification) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].Status == "" {
			events[i].Status = models.NotificationPending
		}
	}
	return tx.Create(&events).Error
}

// Enqueue 在独立事务中写入通知（不伴随状态转换的通知，如提醒）
func (r *OutboxRepository) Enqueue(ctx context.Context, events ...models.Notification) error {
	err := insertNotifications(r.db.WithContext(ctx), events)
	return storeErr(err, "notification", "enqueue")
}

// Pending 按 id 顺序返回待发送的通知
func (r *OutboxRepository) Pending(ctx context.Context, limit int) ([]models.Notification, error) {
	var rows []models.Notification
	err := r.db.WithContext(ctx).
		Where("status = ?", models.NotificationPending).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	return rows, storeErr(err, "notification", "pending")
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64, attempts int, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":   models.NotificationSent,
			"attempts": attempts,
			"sent_at":  at,
		}).Error
	return storeErr(err, "notification", "mark sent")
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error {
	err := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     models.NotificationFailed,
			"attempts":   attempts,
			"last_error": lastErr,
		}).Error
	return storeErr(err, "notification", "mark failed")
}

// ListForNight 返回某次游戏之夜的全部通知，按 id 排序
func (r *OutboxRepository) ListForNight(ctx context.Context, guildID string, seq int64) ([]models.Notification, error) {
	var rows []models.Notification
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND seq = ?", guildID, seq).
		Order("id").
		Find(&rows).Error
	return rows, storeErr(err, "notification", models.NightKey(guildID, seq))
}
