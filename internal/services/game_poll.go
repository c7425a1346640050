package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/repositories"
	"github.com/Gopher0727/GameNight/internal/resolver"
	"github.com/Gopher0727/GameNight/internal/suggest"
	"github.com/Gopher0727/GameNight/internal/utils"
)

type VoteRequest struct {
	UserID string `json:"-"`
	GameID string `json:"game_id" binding:"required"`
}

type CloseGamePollRequest struct {
	OrganizerID string  `json:"-"`
	GameID      *string `json:"game_id"`
}

type SuggestionsRequest struct {
	GroupSize int
	Tags      []string
	Users     []string
}

// openGamePoll 定稿之后开启游戏投票，必须在串行队列中调用。
// 没有参与者或可选游戏少于两个时以对应原因取消，并返回信息性错误。
func (s *GameNightService) openGamePoll(ctx context.Context, night *models.GameNight) (*models.GameNight, error) {
	if len(night.Attendees) == 0 {
		cancelled, err := s.cancel(ctx, night.GuildID, night.Seq, lifecycle.Finalized, lifecycle.ReasonNoAttendees, nil)
		if err != nil {
			return nil, err
		}
		return cancelled, apperr.New(apperr.KindNoAttendees, "nobody is available for %s", night.Key())
	}

	ranked, err := s.rank(ctx, suggest.Input{
		Attendees: night.Attendees,
		GroupSize: len(night.Attendees),
		TopN:      s.cfg.SuggestionTopN,
	})
	if apperr.IsKind(err, apperr.KindNoSuitableGames) {
		var meta map[string]string
		var e *apperr.Error
		if errors.As(err, &e) {
			meta = e.Meta
		}
		cancelled, cerr := s.cancel(ctx, night.GuildID, night.Seq, lifecycle.Finalized, lifecycle.ReasonNoSuitableGames, meta)
		if cerr != nil {
			return nil, cerr
		}
		return cancelled, err
	}
	if err != nil {
		return nil, err
	}

	options := make([]models.PollOption, len(ranked))
	for i, r := range ranked {
		options[i] = models.PollOption{GameID: r.GameID, Name: r.Name, SharedOwners: r.SharedOwners, Score: r.Score}
	}

	opened := false
	next, err := s.Nights.Apply(ctx, night.GuildID, night.Seq, func(n *models.GameNight) ([]string, []models.Notification, error) {
		if n.State.AtLeast(lifecycle.GamePollOpen) {
			return nil, nil, nil
		}
		if err := lifecycle.Check(lifecycle.Finalized, n.State, lifecycle.GamePollOpen); err != nil {
			return nil, nil, err
		}
		closesAt := s.gamePollClose(n.StartAt)
		n.State = lifecycle.GamePollOpen
		n.PollOptions = options
		n.GamePollCloseAt = &closesAt

		ev, err := s.Builder.Channel(models.EventGamePollOpened, n, gamePollOpenedPayload{Options: options, ClosesAt: closesAt})
		if err != nil {
			return nil, nil, err
		}
		opened = true
		return []string{"state", "poll_options", "game_poll_close_at"}, []models.Notification{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	if opened {
		s.transition(lifecycle.Finalized, lifecycle.GamePollOpen)
		s.Log.Info("game poll opened", zap.String("night", next.Key()), zap.Int("options", len(options)))
		s.kick()
	}
	s.armTimers(next)
	return next, nil
}

// gamePollClose = min(now + game_poll_duration, start)，不早于 now
func (s *GameNightService) gamePollClose(start time.Time) time.Time {
	now := s.Clock.Now()
	closesAt := now.Add(s.cfg.GamePollDuration)
	if start.Before(closesAt) {
		closesAt = start
	}
	if closesAt.Before(now) {
		closesAt = now
	}
	return closesAt
}

// rank 读取参与者的游戏库并排序
func (s *GameNightService) rank(ctx context.Context, in suggest.Input) ([]suggest.Suggestion, error) {
	owned, err := s.Library.OwnedGames(ctx, in.Attendees)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	seen := make(map[string]bool)
	for _, games := range owned {
		for _, id := range games {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	games, err := s.Library.GetGames(ctx, ids)
	if err != nil {
		return nil, err
	}
	in.Owned = owned
	in.Games = games
	return suggest.Rank(in)
}

// CastGameVote 记录游戏投票，仅 GamePollOpen 时接受，后投覆盖
func (s *GameNightService) CastGameVote(ctx context.Context, guildID string, seq int64, req *VoteRequest) (*models.GameVote, error) {
	if !utils.ValidateID(req.UserID) || !utils.ValidateID(req.GameID) {
		return nil, apperr.InvalidArgument("user id and game id are required")
	}
	vote := &models.GameVote{
		GuildID: guildID,
		Seq:     seq,
		UserID:  req.UserID,
		GameID:  req.GameID,
		VotedAt: s.Clock.Now(),
	}
	started := time.Now()
	err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.Votes.Cast(ctx, vote)
	})
	s.observe("vote", started, err)
	if err != nil {
		return nil, err
	}
	return vote, nil
}

// CloseGamePoll 组织者结束游戏投票，可指定游戏；否则按票数选出
func (s *GameNightService) CloseGamePoll(ctx context.Context, guildID string, seq int64, req *CloseGamePollRequest) (*models.GameNight, error) {
	if req.GameID != nil && !utils.ValidateID(*req.GameID) {
		return nil, apperr.InvalidArgument("invalid game id")
	}
	var night *models.GameNight
	err := s.serialized(ctx, models.NightKey(guildID, seq), "close_game_poll", func(ctx context.Context) error {
		var err error
		night, err = s.complete(ctx, guildID, seq, req.GameID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return night, nil
}

// complete 选出游戏并 CAS GamePollOpen→Completed；已完成时原样返回
func (s *GameNightService) complete(ctx context.Context, guildID string, seq int64, explicit *string) (*models.GameNight, error) {
	var votes int
	completed := false
	night, err := s.Nights.ApplyWith(ctx, guildID, seq, func(read repositories.Reader, n *models.GameNight) ([]string, []models.Notification, error) {
		if n.State == lifecycle.Completed {
			return nil, nil, nil
		}
		if err := lifecycle.Check(lifecycle.GamePollOpen, n.State, lifecycle.Completed); err != nil {
			return nil, nil, err
		}
		tally, err := read.Tally()
		if err != nil {
			return nil, nil, err
		}
		winner, err := pickWinner(n.PollOptions, tally, explicit)
		if err != nil {
			return nil, nil, err
		}
		votes = tally[winner.GameID]

		n.State = lifecycle.Completed
		n.SelectedGameID = &winner.GameID
		ev, err := s.Builder.Channel(models.EventGameSelected, n, gameSelectedPayload{
			GameID:  winner.GameID,
			Name:    winner.Name,
			Votes:   votes,
			StartAt: n.StartAt,
		})
		if err != nil {
			return nil, nil, err
		}
		completed = true
		return []string{"state", "selected_game_id"}, []models.Notification{ev}, nil
	})
	if err != nil {
		return nil, err
	}

	s.timers.CancelPrefix(timerPrefix(night.Key()))
	s.gauge()
	if completed {
		s.transition(lifecycle.GamePollOpen, lifecycle.Completed)
		s.Log.Info("game selected",
			zap.String("night", night.Key()),
			zap.String("game", *night.SelectedGameID),
			zap.Int("votes", votes),
		)
		s.kick()
	}
	return night, nil
}

// pickWinner 指定游戏优先；否则票数最多者，平票按投票选项的排名；无人投票时取排名第一
func pickWinner(options []models.PollOption, tally map[string]int, explicit *string) (models.PollOption, error) {
	if len(options) == 0 {
		return models.PollOption{}, apperr.New(apperr.KindNoSuitableGames, "game poll has no options")
	}
	if explicit != nil {
		for _, o := range options {
			if o.GameID == *explicit {
				return o, nil
			}
		}
		return models.PollOption{}, apperr.InvalidArgument("game %s is not a poll option", *explicit)
	}
	best := options[0]
	for _, o := range options[1:] {
		if tally[o.GameID] > tally[best.GameID] {
			best = o
		}
	}
	return best, nil
}

// Suggestions 预览排名：已定稿的使用参与者，否则按当前回复与每周默认推算
func (s *GameNightService) Suggestions(ctx context.Context, guildID string, seq int64, req *SuggestionsRequest) ([]suggest.Suggestion, error) {
	if req.GroupSize < 0 {
		return nil, apperr.InvalidArgument("group_size must not be negative")
	}
	night, err := s.Nights.Get(ctx, guildID, seq)
	if err != nil {
		return nil, err
	}

	attendees := night.Attendees
	if !night.State.AtLeast(lifecycle.Finalized) && night.State != lifecycle.Cancelled {
		input, err := s.resolverInput(ctx, night)
		if err != nil {
			return nil, err
		}
		responses, err := s.Availability.ListForNight(ctx, guildID, seq)
		if err != nil {
			return nil, err
		}
		input.Responses = responseMap(responses)
		attendees = resolver.Resolve(input).Attendees
	}

	return s.rank(ctx, suggest.Input{
		Attendees:   attendees,
		GroupSize:   req.GroupSize,
		Tags:        utils.NormalizeTags(req.Tags),
		WeightUsers: req.Users,
		TopN:        s.cfg.SuggestionTopN,
	})
}
