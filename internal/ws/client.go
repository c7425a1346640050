package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/internal/apperr"
)

const (
	writeWait      = 10 * time.Second    // 允许写入消息到对端的最大时间
	pongWait       = 60 * time.Second    // 允许读取下一个 pong 消息的最大时间
	pingPeriod     = (pongWait * 9) / 10 // 发送 ping 到对端的周期。必须小于 pongWait
	maxMessageSize = 512                 // 连接只下行推送，上行仅控制帧
)

// NodeHeader 告知负载均衡器该 guild 的粘性节点
const NodeHeader = "X-GameNight-Node"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client 代表一个订阅某个 guild 通知的 websocket 连接
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan *BroadcastMessage
	userID  string
	guildID string
}

// readPump 只负责维持心跳与检测断开，收到的业务消息被丢弃
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ws read error", zap.String("user", c.userID), zap.Error(err))
			}
			return
		}
	}
}

// writePump 把 Hub 推来的消息写到连接，一条消息一帧
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs 把请求升级为 websocket 并加入 guild_id 对应的房间，
// user_id 由上游身份中间件写入 gin.Context
func ServeWs(hub *Hub, c *gin.Context) {
	guildID := c.Query("guild_id")
	if guildID == "" {
		err := apperr.InvalidArgument("guild_id is required")
		c.JSON(err.Kind.HTTPStatus(), gin.H{"kind": err.Kind, "message": err.Message})
		return
	}
	userID := c.GetString("user_id")

	header := http.Header{}
	header.Set(NodeHeader, hub.Owner(guildID))
	conn, err := upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		hub.log.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan *BroadcastMessage, 256),
		userID:  userID,
		guildID: guildID,
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
