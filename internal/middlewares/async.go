package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/utils"
)

// AsyncMiddleware 把请求的处理链提交到协程池执行，限制同时处理的请求数。
// 队列满时排队等待而不是拒绝；协程池已停止时返回 503。
func AsyncMiddleware(pool *utils.WorkerPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			c.Next()
			return
		}

		// 主 goroutine 阻塞等待，同一时间只有 worker 在操作 c
		done := make(chan struct{})
		task := func() {
			defer close(done)
			c.Next()
		}

		if !pool.Submit(task) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"kind":    apperr.KindCollaboratorUnavailable,
				"message": "server is shutting down",
			})
			return
		}
		<-done
	}
}
