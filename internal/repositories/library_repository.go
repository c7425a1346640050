package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/GameNight/internal/models"
)

type LibraryRepository struct {
	db *gorm.DB
}

func NewLibraryRepository(db *gorm.DB) *LibraryRepository {
	return &LibraryRepository{db: db}
}

// UpsertGame 写入或更新游戏元数据
func (r *LibraryRepository) UpsertGame(ctx context.Context, game *models.Game) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "tags", "min_players", "max_players", "rating", "updated_at"}),
	}).Create(game).Error
	return storeErr(err, "game", game.ID)
}

func (r *LibraryRepository) GetGame(ctx context.Context, id string) (*models.Game, error) {
	var game models.Game
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&game).Error; err != nil {
		return nil, storeErr(err, "game", id)
	}
	return &game, nil
}

// GetGames 批量获取游戏元数据
func (r *LibraryRepository) GetGames(ctx context.Context, ids []string) (map[string]models.Game, error) {
	out := make(map[string]models.Game, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var games []models.Game
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&games).Error; err != nil {
		return nil, storeErr(err, "games", "batch")
	}
	for _, g := range games {
		out[g.ID] = g
	}
	return out, nil
}

// ReplaceLibrary 用给定列表整体替换用户的游戏库
func (r *LibraryRepository) ReplaceLibrary(ctx context.Context, userID string, gameIDs []string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.UserGame{}).Error; err != nil {
			return err
		}
		if len(gameIDs) == 0 {
			return nil
		}
		now := time.Now().UTC()
		entries := make([]models.UserGame, 0, len(gameIDs))
		seen := make(map[string]bool, len(gameIDs))
		for _, id := range gameIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			entries = append(entries, models.UserGame{UserID: userID, GameID: id, Owned: true, UpdatedAt: now})
		}
		return tx.Create(&entries).Error
	})
	return storeErr(err, "library", userID)
}

// OwnedGames 返回每个用户拥有的游戏 id
func (r *LibraryRepository) OwnedGames(ctx context.Context, userIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []models.UserGame
	err := r.db.WithContext(ctx).
		Where("user_id IN ? AND owned = ?", userIDs, true).
		Order("user_id, game_id").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr(err, "library", "batch")
	}
	for _, row := range rows {
		out[row.UserID] = append(out[row.UserID], row.GameID)
	}
	return out, nil
}
