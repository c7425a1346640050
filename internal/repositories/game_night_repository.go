package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/models"
)

// Mutation 在事务内检查并修改已加载的游戏之夜。
// 返回需要写回的列（为空表示不修改）以及同一事务内写入发件箱的通知。
type Mutation func(n *models.GameNight) (cols []string, events []models.Notification, err error)

// TxMutation 与 Mutation 相同，但可以通过 reader 在同一事务内读取关联数据
type TxMutation func(read Reader, n *models.GameNight) (cols []string, events []models.Notification, err error)

// Reader 在 Apply 的事务内读取游戏之夜的回复与投票
type Reader struct {
	tx      *gorm.DB
	guildID string
	seq     int64
}

func (r Reader) Responses() ([]models.AvailabilityResponse, error) {
	return listResponses(r.tx, r.guildID, r.seq)
}

func (r Reader) Tally() (map[string]int, error) {
	return tallyVotes(r.tx, r.guildID, r.seq)
}

type GameNightRepository struct {
	db *gorm.DB
}

func NewGameNightRepository(db *gorm.DB) *GameNightRepository {
	return &GameNightRepository{db: db}
}

// Create 创建游戏之夜并写入初始通知
func (r *GameNightRepository) Create(ctx context.Context, night *models.GameNight, events []models.Notification) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(night).Error; err != nil {
			return err
		}
		return insertNotifications(tx, events)
	})
	return storeErr(err, "game night", night.Key())
}

// Get 根据 (guild_id, seq) 获取
func (r *GameNightRepository) Get(ctx context.Context, guildID string, seq int64) (*models.GameNight, error) {
	var night models.GameNight
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND seq = ?", guildID, seq).
		First(&night).Error
	if err != nil {
		return nil, storeErr(err, "game night", models.NightKey(guildID, seq))
	}
	return &night, nil
}

// List 列出 guild 下的游戏之夜，state 为空时返回全部，按 seq 倒序
func (r *GameNightRepository) List(ctx context.Context, guildID string, state lifecycle.State) ([]models.GameNight, error) {
	q := r.db.WithContext(ctx).Where("guild_id = ?", guildID)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var nights []models.GameNight
	err := q.Order("seq desc").Find(&nights).Error
	return nights, storeErr(err, "guild", guildID)
}

// ListActive 返回所有非终态的游戏之夜，用于重启恢复
func (r *GameNightRepository) ListActive(ctx context.Context) ([]models.GameNight, error) {
	var nights []models.GameNight
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", []lifecycle.State{lifecycle.Completed, lifecycle.Cancelled}).
		Order("id").
		Find(&nights).Error
	return nights, storeErr(err, "game nights", "active")
}

// ListUpcoming 返回已完成但尚未开始的游戏之夜，它们没有截止时间，但提醒仍需重建
func (r *GameNightRepository) ListUpcoming(ctx context.Context, now time.Time) ([]models.GameNight, error) {
	var nights []models.GameNight
	err := r.db.WithContext(ctx).
		Where("state = ? AND start_at > ?", lifecycle.Completed, now).
		Order("id").
		Find(&nights).Error
	return nights, storeErr(err, "game nights", "upcoming")
}

// ListCompleted 返回 guild 下已完成的游戏之夜，按开始时间倒序
func (r *GameNightRepository) ListCompleted(ctx context.Context, guildID string) ([]models.GameNight, error) {
	var nights []models.GameNight
	err := r.db.WithContext(ctx).
		Where("guild_id = ? AND state = ?", guildID, lifecycle.Completed).
		Order("start_at desc, seq desc").
		Find(&nights).Error
	return nights, storeErr(err, "guild", guildID)
}

// MaxSeq 返回 guild 已使用的最大 seq
func (r *GameNightRepository) MaxSeq(ctx context.Context, guildID string) (int64, error) {
	var max *int64
	err := r.db.WithContext(ctx).Model(&models.GameNight{}).
		Where("guild_id = ?", guildID).
		Select("MAX(seq)").
		Scan(&max).Error
	if err != nil {
		return 0, storeErr(err, "guild", guildID)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// Apply 在一个事务内加载、修改并以 state 做 CAS 写回，同时写入通知。
// CAS 失败说明并发修改，返回 InvalidTransition。
func (r *GameNightRepository) Apply(ctx context.Context, guildID string, seq int64, fn Mutation) (*models.GameNight, error) {
	return r.ApplyWith(ctx, guildID, seq, func(_ Reader, n *models.GameNight) ([]string, []models.Notification, error) {
		return fn(n)
	})
}

// ApplyWith 同 Apply，fn 可以在同一事务内读取回复与投票
func (r *GameNightRepository) ApplyWith(ctx context.Context, guildID string, seq int64, fn TxMutation) (*models.GameNight, error) {
	var night models.GameNight
	key := models.NightKey(guildID, seq)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockRow(tx, "UPDATE").
			Where("guild_id = ? AND seq = ?", guildID, seq).
			First(&night).Error; err != nil {
			return err
		}
		from := night.State

		cols, events, err := fn(Reader{tx: tx, guildID: guildID, seq: seq}, &night)
		if err != nil {
			return err
		}
		if len(cols) > 0 {
			cols = append(cols, "updated_at")
			result := tx.Model(&night).
				Where("state = ?", from).
				Select(cols).
				Updates(&night)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				var current models.GameNight
				if err := tx.Select("state").Where("id = ?", night.ID).First(&current).Error; err != nil {
					return err
				}
				return apperr.InvalidTransition(string(from), string(current.State))
			}
		}
		return insertNotifications(tx, events)
	})
	if err != nil {
		return nil, storeErr(err, "game night", key)
	}
	return &night, nil
}
