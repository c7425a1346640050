package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/models"
	"github.com/Gopher0727/GameNight/internal/pkg/kafka"
	"github.com/Gopher0727/GameNight/internal/services"
)

// 命令类型
const (
	CmdRespond               = "respond"
	CmdFinalize              = "finalize"
	CmdCancel                = "cancel"
	CmdVote                  = "vote"
	CmdSetReminderOffset     = "set_reminder_offset"
	CmdSetWeeklyAvailability = "set_weekly_availability"
)

// Command 命令主题上的消息体，字段按 type 取用
type Command struct {
	Type    string                `json:"type"`
	GuildID string                `json:"guild_id"`
	Seq     int64                 `json:"seq"`
	UserID  string                `json:"user_id"`
	Status  models.ResponseStatus `json:"status,omitempty"`
	GameID  string                `json:"game_id,omitempty"`
	Minutes int                   `json:"minutes,omitempty"`
	SlotIDs []uint                `json:"slot_ids,omitempty"`
}

// CommandService 命令消费者依赖的服务方法，由 *services.GameNightService 实现
type CommandService interface {
	Respond(ctx context.Context, guildID string, seq int64, req *services.RespondRequest) (*models.AvailabilityResponse, error)
	Finalize(ctx context.Context, guildID string, seq int64, organizerID string) (*services.FinalizeResult, error)
	Cancel(ctx context.Context, guildID string, seq int64, organizerID string) (*models.GameNight, error)
	CastGameVote(ctx context.Context, guildID string, seq int64, req *services.VoteRequest) (*models.GameVote, error)
	SetReminderOffset(ctx context.Context, req *services.ReminderOffsetRequest) error
	SetWeeklyAvailability(ctx context.Context, guildID string, req *services.WeeklyAvailabilityRequest) (*services.WeeklyAvailabilityResponse, error)
}

// CommandConsumer 实现 sarama.ConsumerGroupHandler。
// 无效命令记录日志后标记为已消费；协作方不可用时有界重试，仍失败则结束会话不标记，等待重新投递。
type CommandConsumer struct {
	service CommandService
	retry   config.RetryConfig
	log     *zap.Logger
}

func NewCommandConsumer(service CommandService, retry config.RetryConfig, log *zap.Logger) *CommandConsumer {
	return &CommandConsumer{service: service, retry: retry, log: log}
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *CommandConsumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *CommandConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (c *CommandConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.process(session.Context(), message); err != nil {
				return err
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// process 只在需要重新投递时返回错误
func (c *CommandConsumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	log := c.log.With(
		zap.String("topic", message.Topic),
		zap.Int32("partition", message.Partition),
		zap.Int64("offset", message.Offset),
	)

	var cmd Command
	if err := json.Unmarshal(message.Value, &cmd); err != nil {
		log.Warn("drop undecodable command", zap.Error(err))
		return nil
	}
	log = log.With(zap.String("type", cmd.Type), zap.String("night", models.NightKey(cmd.GuildID, cmd.Seq)))

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.Handle(ctx, &cmd)
		if err != nil && !apperr.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.retry.MaxTries),
	)

	switch {
	case err == nil:
		log.Debug("command applied")
		return nil
	case apperr.Retryable(err):
		log.Error("command failed, leaving for redelivery", zap.Error(err))
		return err
	case apperr.Informational(err):
		log.Info("command finished early", zap.Error(err))
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		log.Warn("drop rejected command", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
		return nil
	}
}

func (c *CommandConsumer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		b.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		b.MaxInterval = c.retry.MaxInterval
	}
	return b
}

// Handle 执行一条命令
func (c *CommandConsumer) Handle(ctx context.Context, cmd *Command) error {
	var err error
	switch cmd.Type {
	case CmdRespond:
		_, err = c.service.Respond(ctx, cmd.GuildID, cmd.Seq, &services.RespondRequest{UserID: cmd.UserID, Status: cmd.Status})
	case CmdFinalize:
		_, err = c.service.Finalize(ctx, cmd.GuildID, cmd.Seq, cmd.UserID)
	case CmdCancel:
		_, err = c.service.Cancel(ctx, cmd.GuildID, cmd.Seq, cmd.UserID)
	case CmdVote:
		_, err = c.service.CastGameVote(ctx, cmd.GuildID, cmd.Seq, &services.VoteRequest{UserID: cmd.UserID, GameID: cmd.GameID})
	case CmdSetReminderOffset:
		err = c.service.SetReminderOffset(ctx, &services.ReminderOffsetRequest{UserID: cmd.UserID, Minutes: cmd.Minutes})
	case CmdSetWeeklyAvailability:
		_, err = c.service.SetWeeklyAvailability(ctx, cmd.GuildID, &services.WeeklyAvailabilityRequest{UserID: cmd.UserID, SlotIDs: cmd.SlotIDs})
	default:
		err = apperr.InvalidArgument("unknown command type %q", cmd.Type)
	}
	return err
}

// NewConsumerGroup 使用与生产者相同的 sarama 配置加入消费组
func NewConsumerGroup(cfg *config.KafkaConfig) (sarama.ConsumerGroup, error) {
	saramaConfig := kafka.NewSaramaConfig(cfg)
	saramaConfig.Consumer.Return.Errors = true
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	return group, nil
}

// Run 循环加入消费组直到 ctx 结束；会话因重新投递或重平衡结束后重新加入
func Run(ctx context.Context, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler, log *zap.Logger) error {
	go func() {
		for err := range group.Errors() {
			log.Warn("consumer group error", zap.Error(err))
		}
	}()

	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Error("consume session ended", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
