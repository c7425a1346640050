package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GameNight/internal/apperr"
	"github.com/Gopher0727/GameNight/internal/lifecycle"
	"github.com/Gopher0727/GameNight/internal/services"
)

type GameNightHandler struct {
	Service *services.GameNightService
}

func NewGameNightHandler(service *services.GameNightService) *GameNightHandler {
	return &GameNightHandler{Service: service}
}

// Schedule 调用方即组织者
func (h *GameNightHandler) Schedule(c *gin.Context) {
	var req services.ScheduleRequest
	if !bind(c, &req) {
		return
	}
	req.OrganizerID = userID(c)

	night, err := h.Service.Schedule(c.Request.Context(), c.Param("guild_id"), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, night)
}

// List 可选 ?state= 过滤
func (h *GameNightHandler) List(c *gin.Context) {
	nights, err := h.Service.List(c.Request.Context(), c.Param("guild_id"), lifecycle.State(c.Query("state")))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game_nights": nights})
}

func (h *GameNightHandler) Get(c *gin.Context) {
	guildID, seq, ok := nightParams(c)
	if !ok {
		return
	}
	night, err := h.Service.Get(c.Request.Context(), guildID, seq)
	if err != nil {
		renderError(c, err)
		return
	}
	responses, err := h.Service.Responses(c.Request.Context(), guildID, seq)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"game_night": night, "responses": responses})
}

func (h *GameNightHandler) Respond(c *gin.Context) {
	guildID, seq, ok := nightParams(c)
	if !ok {
		return
	}
	var req services.RespondRequest
	if !bind(c, &req) {
		return
	}
	req.UserID = userID(c)

	resp, err := h.Service.Respond(c.Request.Context(), guildID, seq, &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Finalize 提前无人参加或没有合适游戏时仍返回 200，outcome 给出原因
func (h *GameNightHandler) Finalize(c *gin.Context) {
	guildID, seq, ok := nightParams(c)
	if !ok {
		return
	}
	result, err := h.Service.Finalize(c.Request.Context(), guildID, seq, userID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *GameNightHandler) Cancel(c *gin.Context) {
	guildID, seq, ok := nightParams(c)
	if !ok {
		return
	}
	night, err := h.Service.Cancel(c.Request.Context(), guildID, seq, userID(c))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, night)
}

func (h *GameNightHandler) Reschedule(c *gin.Context) {
	guildID, seq, ok := nightParams(c)
	if !ok {
		return
	}
	var req services.RescheduleRequest
	if !bind(c, &req) {
		return
	}
	night, err := h.Service.Reschedule(c.Request.Context(), guildID, seq, &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, night)
}

// Suggestions 预览排名：?group_size=4&tags=coop,party&users=a,b
func (h *GameNightHandler) Suggestions(c *gin.Context) {
	guildID, seq, ok := nightParams(c)
	if !ok {
		return
	}
	req := services.SuggestionsRequest{
		Tags:  listQuery(c, "tags"),
		Users: listQuery(c, "users"),
	}
	if v := c.Query("group_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			renderError(c, apperr.InvalidArgument("invalid group_size %q", v))
			return
		}
		req.GroupSize = n
	}

	suggestions, err := h.Service.Suggestions(c.Request.Context(), guildID, seq, &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func (h *GameNightHandler) Vote(c *gin.Context) {
	guildID, seq, ok := nightParams(c)
	if !ok {
		return
	}
	var req services.VoteRequest
	if !bind(c, &req) {
		return
	}
	req.UserID = userID(c)

	vote, err := h.Service.CastGameVote(c.Request.Context(), guildID, seq, &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, vote)
}

// CloseGamePoll 请求体可省略
func (h *GameNightHandler) CloseGamePoll(c *gin.Context) {
	guildID, seq, ok := nightParams(c)
	if !ok {
		return
	}
	var req services.CloseGamePollRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	req.OrganizerID = userID(c)

	night, err := h.Service.CloseGamePoll(c.Request.Context(), guildID, seq, &req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, night)
}

// History 用户参加过的游戏之夜，user_id 为 me 时查询调用方；?limit= 默认 10
func (h *GameNightHandler) History(c *gin.Context) {
	target := c.Param("user_id")
	if target == "me" {
		target = userID(c)
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			renderError(c, apperr.InvalidArgument("invalid limit %q", v))
			return
		}
		limit = n
	}

	history, err := h.Service.History(c.Request.Context(), c.Param("guild_id"), target, limit)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// listQuery 同时支持重复参数和逗号分隔
func listQuery(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
