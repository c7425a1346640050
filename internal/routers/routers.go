package routers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/handlers"
	"github.com/Gopher0727/GameNight/internal/metrics"
	"github.com/Gopher0727/GameNight/internal/middlewares"
	"github.com/Gopher0727/GameNight/internal/utils"
	"github.com/Gopher0727/GameNight/internal/ws"
	logger "github.com/Gopher0727/GameNight/middleware/log"
	"github.com/Gopher0727/GameNight/utils/ratelimit"
)

// Deps 路由需要的全部组件；Limiter、Pool、Hub 可为空
type Deps struct {
	Config     *config.Config
	Log        *logger.Logger
	Metrics    *metrics.Metrics
	GameNights *handlers.GameNightHandler
	Prefs      *handlers.PreferenceHandler
	Hub        *ws.Hub
	Limiter    *ratelimit.WindowLimiter
	Pool       *utils.WorkerPool
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, d Deps) {
	r.Use(gin.Recovery(), logger.GinMiddleware(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})
	if d.Config.Metrics.Enabled && d.Metrics != nil {
		r.GET(d.Config.Metrics.Path, gin.WrapH(promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	// WebSocket 握手不进入协程池，连接是长期占用的
	if d.Hub != nil {
		r.GET("/ws", middlewares.IdentityMiddleware(), func(c *gin.Context) {
			ws.ServeWs(d.Hub, c)
		})
	}

	api := r.Group("/api/v1")
	api.Use(middlewares.IdentityMiddleware(), middlewares.AsyncMiddleware(d.Pool))

	var limit gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if d.Config.RateLimit.Enabled && d.Limiter != nil {
		limit = middlewares.RateLimitMiddleware(d.Limiter, "respond", d.Log.Logger)
	}

	RegisterGameNightRoutes(api, d.GameNights, limit)
	RegisterPreferenceRoutes(api, d.Prefs)
}

// GameNightHandler 接口定义
func RegisterGameNightRoutes(api *gin.RouterGroup, h *handlers.GameNightHandler, limit gin.HandlerFunc) {
	g := api.Group("/guilds/:guild_id/gamenights")
	{
		g.POST("", h.Schedule) // 创建游戏之夜并开启可用性投票
		g.GET("", h.List)      // ?state= 过滤
		g.GET("/:seq", h.Get)  // 详情与当前回复

		g.PUT("/:seq/responses", limit, h.Respond) // yes / no / maybe
		g.POST("/:seq/finalize", h.Finalize)       // 提前定稿
		g.POST("/:seq/cancel", h.Cancel)
		g.POST("/:seq/reschedule", h.Reschedule)

		// 游戏推荐与投票
		g.GET("/:seq/suggestions", h.Suggestions)
		g.PUT("/:seq/votes", h.Vote)
		g.POST("/:seq/game-poll/close", h.CloseGamePoll)
	}

	api.GET("/guilds/:guild_id/users/:user_id/history", h.History) // 参加过的游戏之夜
}

// PreferenceHandler 接口定义
func RegisterPreferenceRoutes(api *gin.RouterGroup, h *handlers.PreferenceHandler) {
	guild := api.Group("/guilds/:guild_id")
	{
		guild.PUT("/weekly-slots", h.ConfigureWeeklySlots)
		guild.GET("/weekly-slots", h.WeeklySlots)
		guild.PUT("/main-channel", h.SetMainChannel) // 未指定 main_channel_id 时的默认公告频道
		guild.PUT("/weekly-availability", h.SetWeeklyAvailability)
		guild.PUT("/members", h.SyncRoster) // 名册协作方推送成员全集
	}

	api.PUT("/users/me/reminder-offset", h.SetReminderOffset)

	// 游戏库协作方
	api.PUT("/games/:game_id", h.UpsertGame)
	api.PUT("/users/:user_id/library", h.ReplaceLibrary)
}
