package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/wirechat/internal/chat"
	"github.com/lalith-99/wirechat/internal/middleware"
	"github.com/lalith-99/wirechat/internal/models"
)

type MessageHandler struct {
	engine *chat.Engine
	logger *zap.Logger
}

func NewMessageHandler(engine *chat.Engine, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{engine: engine, logger: logger}
}

type historyResponse struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// History handles GET /v1/messages/:type/:id?partner_role=&before=&limit=
//
// Cursor pagination:
//   - "before" = RFC3339 timestamp. "Give me messages older than this."
//     Absent = start from the latest.
//   - "limit" = page size. Default 50, capped at 100.
//
// For :type = private, :id is the partner's entity ID and partner_role
// is required (a user and an admin can share a numeric ID). For group,
// :id is the group ID.
func (h *MessageHandler) History(c *gin.Context) {
	viewer := middleware.GetIdentity(c)

	convType := models.MessageType(c.Param("type"))
	partnerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	partner := models.ConnKey{ID: partnerID}
	switch convType {
	case models.MessagePrivate:
		role, err := models.ParseRole(c.Query("partner_role"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "partner_role is required for private chats"})
			return
		}
		partner.Role = role
	case models.MessageGroup:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation type"})
		return
	}

	var before time.Time
	if b := c.Query("before"); b != "" {
		before, err = time.Parse(time.RFC3339Nano, b)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'before' timestamp"})
			return
		}
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		if limit > 100 {
			limit = 100
		}
	}

	messages, nextCursor, err := h.engine.History(c.Request.Context(), viewer, convType, partner, before, limit)
	switch {
	case errors.Is(err, chat.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	case errors.Is(err, chat.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "you are not a member of this group"})
		return
	case err != nil:
		h.logger.Error("history query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	c.JSON(http.StatusOK, historyResponse{Messages: messages, NextCursor: nextCursor})
}
