package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GameNight/internal/apperr"
)

type errorResponse struct {
	Kind    apperr.Kind       `json:"kind"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// renderError 按错误类别写出状态码；非领域错误一律 500 且不暴露细节
func renderError(c *gin.Context, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Kind: apperr.KindUnknown, Message: "internal error"})
		return
	}
	if e.Kind == apperr.KindCollaboratorUnavailable {
		c.Error(err)
	}
	c.JSON(e.Kind.HTTPStatus(), errorResponse{Kind: e.Kind, Message: e.Message, Meta: e.Meta})
}

// bind 解析请求体，失败时写出 InvalidArgument
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		renderError(c, apperr.InvalidArgument("invalid request body: %s", err.Error()))
		return false
	}
	return true
}

// nightParams 解析 :guild_id 与 :seq
func nightParams(c *gin.Context) (string, int64, bool) {
	guildID := c.Param("guild_id")
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq <= 0 {
		renderError(c, apperr.InvalidArgument("invalid seq %q", c.Param("seq")))
		return "", 0, false
	}
	return guildID, seq, true
}

func userID(c *gin.Context) string {
	return c.GetString("user_id")
}
