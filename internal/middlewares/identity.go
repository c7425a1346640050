package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/utils"
)

// UserHeader 携带调用方的用户 ID，由上游网关（机器人/前端）负责认证
const UserHeader = "X-User-ID"

// IdentityMiddleware 读取调用方身份写入 context 的 user_id。
// websocket 握手无法自定义请求头时可用 ?user_id= 代替。
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserHeader)
		if userID == "" {
			userID = c.Query("user_id")
		}
		if !utils.ValidateID(userID) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":    apperr.KindInvalidArgument,
				"message": "missing or invalid " + UserHeader,
			})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}
