package services

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/metrics"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/notify"
	"github.com/Gopher0727/GameNight/internal/pkg/clock"
	"github.com/Gopher0727/GameNight/internal/reminder"
	"github.com/Gopher0727/GameNight/internal/repositories"
	"github.com/Gopher0727/GameNight/internal/scheduler"
	"github.com/Gopher0727/GameNight/internal/utils"
)

// SeqAllocator 分配 guild 内单调递增的序号
type SeqAllocator interface {
	NextSeq(ctx context.Context, guildID string) (int64, error)
	EnsureSeqAtLeast(ctx context.Context, guildID string, floor int64) (int64, error)
}

// Kicker 在新通知提交后唤醒发件箱投递
type Kicker interface {
	Kick()
}

type Deps struct {
	Nights       *repositories.GameNightRepository
	Availability *repositories.AvailabilityRepository
	Library      *repositories.LibraryRepository
	Roster       *repositories.RosterRepository
	Reminders    *repositories.ReminderRepository
	Votes        *repositories.VoteRepository
	Seq          SeqAllocator
	Scheduler    *reminder.Scheduler
	Builder      *notify.Builder
	Outbox       Kicker
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	Log          *zap.Logger
}

// GameNightService 游戏之夜编排器：唯一修改游戏之夜状态、唯一产生通知的组件。
// 同一游戏之夜的命令和定时器触发在同一个串行队列中执行。
type GameNightService struct {
	Deps
	cfg    config.GameNightConfig
	retry  config.RetryConfig
	pool   *utils.KeyedWorkerPool
	timers *scheduler.Loop

	startOnce sync.Once
	mu        sync.Mutex
	runCtx    context.Context
}

func NewGameNightService(deps Deps, cfg *config.Config) *GameNightService {
	s := &GameNightService{
		Deps:   deps,
		cfg:    cfg.GameNight,
		retry:  cfg.Retry,
		pool:   utils.NewKeyedWorkerPool(cfg.WorkerPool.Shards, cfg.WorkerPool.QueueSize, deps.Log),
		runCtx: context.Background(),
	}
	s.timers = scheduler.NewLoop("deadlines", deps.Clock, s.fireTimer, deps.Log)
	return s
}

// Start 启动串行队列，可重复调用
func (s *GameNightService) Start() {
	s.startOnce.Do(s.pool.Start)
}

func (s *GameNightService) Stop() {
	s.pool.Stop()
}

// Run 启动截止时间循环，阻塞直到 ctx 结束
func (s *GameNightService) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.Start()
	defer s.Stop()
	return s.timers.Run(ctx)
}

// serialized 在游戏之夜的串行队列中执行 fn，并记录命令耗时
func (s *GameNightService) serialized(ctx context.Context, key, command string, fn func(ctx context.Context) error) error {
	started := time.Now()
	err := s.pool.SubmitWait(ctx, key, func() error {
		return s.withRetry(ctx, fn)
	})
	s.observe(command, started, err)
	s.Metrics.SerialQueueJobs.Set(float64(s.pool.Depth()))
	return err
}

// withRetry 对协作方不可用的错误做有界重试，其余错误直接返回
func (s *GameNightService) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.retry.CollaboratorTimeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && !apperr.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(notify.NewBackOff(s.retry)),
		backoff.WithMaxTries(s.retry.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.Log.Warn("collaborator call failed, retrying", zap.Duration("next", next), zap.Error(err))
		}),
	)
	return err
}

func (s *GameNightService) observe(command string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	s.Metrics.Commands.WithLabelValues(command, outcome).Observe(time.Since(started).Seconds())
}

func (s *GameNightService) transition(from, to lifecycle.State) {
	s.Metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (s *GameNightService) kick() {
	if s.Outbox != nil {
		s.Outbox.Kick()
	}
}

// syncReminders 失败只记录日志，提醒队列会在下次同步或重启时重建
func (s *GameNightService) syncReminders(ctx context.Context, night *models.GameNight) {
	if s.Scheduler == nil {
		return
	}
	if err := s.Scheduler.SyncNight(ctx, night); err != nil {
		s.Log.Warn("sync reminders failed", zap.String("night", night.Key()), zap.Error(err))
	}
}

func (s *GameNightService) releaseNight(night *models.GameNight) {
	s.timers.CancelPrefix(timerPrefix(night.Key()))
	if s.Scheduler != nil {
		s.Scheduler.RemoveGameNight(night.GuildID, night.Seq)
	}
	s.gauge()
}

func (s *GameNightService) gauge() {
	s.Metrics.PendingTimers.WithLabelValues("deadlines").Set(float64(s.timers.Queue().Len()))
}

// Get 获取游戏之夜
func (s *GameNightService) Get(ctx context.Context, guildID string, seq int64) (*models.GameNight, error) {
	return s.Nights.Get(ctx, guildID, seq)
}

// List 列出 guild 的游戏之夜，可按状态过滤
func (s *GameNightService) List(ctx context.Context, guildID string, state lifecycle.State) ([]models.GameNight, error) {
	if state != "" && !state.Valid() {
		return nil, apperr.InvalidArgument("unknown state %q", state)
	}
	return s.Nights.List(ctx, guildID, state)
}

// Responses 返回游戏之夜的显式回复
func (s *GameNightService) Responses(ctx context.Context, guildID string, seq int64) ([]models.AvailabilityResponse, error) {
	if _, err := s.Nights.Get(ctx, guildID, seq); err != nil {
		return nil, err
	}
	return s.Availability.ListForNight(ctx, guildID, seq)
}
