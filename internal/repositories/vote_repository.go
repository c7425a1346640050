package repositories

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/models"
)

type VoteRepository struct {
	db *gorm.DB
}

func NewVoteRepository(db *gorm.DB) *VoteRepository {
	return &VoteRepository{db: db}
}

// Cast 记录投票：仅在 GamePollOpen 且游戏属于投票选项时接受，后投覆盖
func (r *VoteRepository) Cast(ctx context.Context, vote *models.GameVote) error {
	key := models.NightKey(vote.GuildID, vote.Seq)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var night models.GameNight
		if err := lockRow(tx, "SHARE").
			Where("guild_id = ? AND seq = ?", vote.GuildID, vote.Seq).
			First(&night).Error; err != nil {
			return err
		}
		if night.State != lifecycle.GamePollOpen {
			return apperr.PollClosed(string(night.State))
		}
		if !night.HasOption(vote.GameID) {
			return apperr.InvalidArgument("game %s is not a poll option", vote.GameID)
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}, {Name: "seq"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"game_id", "voted_at"}),
		}).Create(vote).Error
	})
	return storeErr(err, "game night", key)
}

// Tally 统计每个游戏的票数
func (r *VoteRepository) Tally(ctx context.Context, guildID string, seq int64) (map[string]int, error) {
	return tallyVotes(r.db.WithContext(ctx), guildID, seq)
}

func tallyVotes(db *gorm.DB, guildID string, seq int64) (map[string]int, error) {
	var rows []struct {
		GameID string
		Votes  int
	}
	err := db.Model(&models.GameVote{}).
		Select("game_id, COUNT(*) AS votes").
		Where("guild_id = ? AND seq = ?", guildID, seq).
		Group("game_id").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr(err, "game night", models.NightKey(guildID, seq))
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.GameID] = row.Votes
	}
	return out, nil
}
