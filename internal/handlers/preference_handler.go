package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GameNight/internal/services"
)

// PreferenceHandler 每周时段、每周默认可用性、提醒提前量，以及名册/游戏库协作方的写入
type PreferenceHandler struct {
	Service *services.GameNightService
}

func NewPreferenceHandler(service *services.GameNightService) *PreferenceHandler {
	return &PreferenceHandler{Service: service}
}

func (h *PreferenceHandler) ConfigureWeeklySlots(c *gin.Context) {
	var req services.WeeklySlotsRequest
	if !bind(c, &req) {
		return
	}
	cfg, err := h.Service.ConfigureWeeklySlots(c.Request.Context(), c.Param("guild_id"), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SetMainChannel 设置 guild 默认公告频道
func (h *PreferenceHandler) SetMainChannel(c *gin.Context) {
	var req services.MainChannelRequest
	if !bind(c, &req) {
		return
	}
	cfg, err := h.Service.SetMainChannel(c.Request.Context(), c.Param("guild_id"), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *PreferenceHandler) WeeklySlots(c *gin.Context) {
	cfg, err := h.Service.WeeklySlots(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *PreferenceHandler) SetWeeklyAvailability(c *gin.Context) {
	var req services.WeeklyAvailabilityRequest
	if !bind(c, &req) {
		return
	}
	req.UserID = userID(c)

	resp, err := h.Service.SetWeeklyAvailability(c.Request.Context(), c.Param("guild_id"), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PreferenceHandler) SetReminderOffset(c *gin.Context) {
	var req services.ReminderOffsetRequest
	if !bind(c, &req) {
		return
	}
	req.UserID = userID(c)

	if err := h.Service.SetReminderOffset(c.Request.Context(), &req); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "minutes": req.Minutes})
}

func (h *PreferenceHandler) SyncRoster(c *gin.Context) {
	var req struct {
		UserIDs []string `json:"user_ids"`
	}
	if !bind(c, &req) {
		return
	}
	members, err := h.Service.SyncRoster(c.Request.Context(), c.Param("guild_id"), req.UserIDs)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_id": c.Param("guild_id"), "members": members})
}

func (h *PreferenceHandler) UpsertGame(c *gin.Context) {
	var req services.GameRequest
	if !bind(c, &req) {
		return
	}
	game, err := h.Service.UpsertGame(c.Request.Context(), c.Param("game_id"), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, game)
}

func (h *PreferenceHandler) ReplaceLibrary(c *gin.Context) {
	var req struct {
		GameIDs []string `json:"game_ids"`
	}
	if !bind(c, &req) {
		return
	}
	owned, err := h.Service.ReplaceLibrary(c.Request.Context(), c.Param("user_id"), req.GameIDs)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user_id"), "game_ids": owned})
}
