package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Gopher0727/GameNight/config"
)

// raiseSeq 仅当当前值小于 floor 时抬高计数器
var raiseSeq = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
	redis.call("SET", KEYS[1], floor)
	return floor
end
return cur
`)

type Client struct {
	client *redis.Client
}

func NewClient(cfg *config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Client{client: rdb}, nil
}

// Wrap adapts an existing go-redis client.
func Wrap(rdb *redis.Client) *Client {
	return &Client{client: rdb}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) GetClient() *redis.Client {
	return c.client
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func seqKey(guildID string) string {
	return fmt.Sprintf("guild:%s:gamenight_seq", guildID)
}

// NextSeq allocates the next game night sequence number for a guild.
func (c *Client) NextSeq(ctx context.Context, guildID string) (int64, error) {
	result, err := c.client.Incr(ctx, seqKey(guildID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to generate seq for guild %s: %w", guildID, err)
	}
	return result, nil
}

// EnsureSeqAtLeast raises the guild counter to floor, used after the
// counter was lost while the database kept its rows.
func (c *Client) EnsureSeqAtLeast(ctx context.Context, guildID string, floor int64) (int64, error) {
	v, err := raiseSeq.Run(ctx, c.client, []string{seqKey(guildID)}, floor).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to raise seq for guild %s: %w", guildID, err)
	}
	return v, nil
}

// Publish JSON-encodes message and publishes it on channel.
func (c *Client) Publish(ctx context.Context, channel string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

func (c *Client) PSubscribe(ctx context.Context, patterns ...string) (*redis.PubSub, error) {
	pubsub := c.client.PSubscribe(ctx, patterns...)
	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to psubscribe to patterns: %w", err)
	}
	return pubsub, nil
}
