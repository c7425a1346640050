package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/pkg/redis"
	"github.com/Gopher0727/GameNight/utils/consistenthash"
)

// 跨实例广播使用的 redis 频道前缀，完整频道为 prefix + guildID
const channelPrefix = "gamenight:guild:"

const publishTimeout = 2 * time.Second

// Hub 维护活跃的 websocket 连接，按 guild 分房间广播通知
type Hub struct {
	clients map[*Client]bool

	// GuildID -> Client -> bool
	rooms map[string]map[*Client]bool

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	// 为空时只在本实例内广播
	redis *redis.Client

	ring   *consistenthash.Ring
	nodeID string
	log    *zap.Logger
}

type BroadcastMessage struct {
	GuildID string          `json:"guild_id"`
	Message json.RawMessage `json:"message"`
}

func NewHub(rdb *redis.Client, ring *consistenthash.Ring, nodeID string, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		redis:      rdb,
		ring:       ring,
		nodeID:     nodeID,
		log:        log,
	}
}

// Run 处理注册、注销和广播，阻塞直到 ctx 结束；退出时关闭所有连接
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	if h.redis != nil {
		pubsub, err := h.redis.PSubscribe(ctx, channelPrefix+"*")
		if err != nil {
			return err
		}
		defer pubsub.Close()
		go h.relay(ctx, pubsub.Channel())
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			room, ok := h.rooms[client.guildID]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[client.guildID] = room
			}
			room[client] = true
			h.mu.Unlock()
			h.log.Debug("ws client joined", zap.String("guild", client.guildID), zap.String("user", client.userID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return nil
		}
	}
}

// deliver 投递到本实例的房间；发送缓冲区满的连接直接断开
func (h *Hub) deliver(msg *BroadcastMessage) {
	var slow []*Client
	h.mu.RLock()
	for client := range h.rooms[msg.GuildID] {
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.drop(client)
		}
		h.mu.Unlock()
		h.log.Warn("dropped slow ws clients", zap.String("guild", msg.GuildID), zap.Int("count", len(slow)))
	}
}

// drop 调用方必须持有写锁
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if room, ok := h.rooms[client.guildID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, client.guildID)
		}
	}
}

func (h *Hub) relay(ctx context.Context, ch <-chan *goredis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg BroadcastMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				h.log.Warn("bad broadcast payload", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if msg.GuildID == "" {
				msg.GuildID = strings.TrimPrefix(m.Channel, channelPrefix)
			}
			h.enqueue(&msg)
		}
	}
}

func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.log.Warn("ws broadcast queue full", zap.String("guild", msg.GuildID))
	}
}

// BroadcastToGuild 推送消息到 guild 的所有连接。
// 配置了 redis 时经由 pub/sub 发布，所有实例（包括自己）通过订阅收到；发布失败回退到本地广播。
func (h *Hub) BroadcastToGuild(guildID string, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error("marshal broadcast failed", zap.String("guild", guildID), zap.Error(err))
		return
	}
	msg := &BroadcastMessage{GuildID: guildID, Message: data}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := h.redis.Publish(ctx, channelPrefix+guildID, msg)
		if err == nil {
			return
		}
		h.log.Warn("redis publish failed, broadcasting locally", zap.String("guild", guildID), zap.Error(err))
	}
	h.enqueue(msg)
}

// Owner 返回 guild 的粘性节点；环为空时返回本节点
func (h *Hub) Owner(guildID string) string {
	if h.ring == nil || h.ring.Size() == 0 {
		return h.nodeID
	}
	return h.ring.Get(guildID)
}

// Count 返回本实例中 guild 的在线连接数
func (h *Hub) Count(guildID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[guildID])
}
