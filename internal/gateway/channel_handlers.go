package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

const defaultHistoryLimit = 200

type channelRequest struct {
	Name            string `json:"name" binding:"required"`
	Description     string `json:"description"`
	OpenclawAgentID string `json:"openclawAgentId"`
}

// createChannel handles POST /api/channels.
func (g *Gateway) createChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	channel := &storage.Channel{
		ID:              uuid.New().String(),
		UserID:          auth.UserID(c),
		Name:            req.Name,
		Description:     req.Description,
		OpenclawAgentID: req.OpenclawAgentID,
		CreatedAt:       time.Now(),
	}
	if err := g.store.CreateChannel(c.Request.Context(), channel); err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, channel)
}

// listChannels handles GET /api/channels.
func (g *Gateway) listChannels(c *gin.Context) {
	channels, err := g.store.ListChannels(c.Request.Context(), auth.UserID(c))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// getChannel handles GET /api/channels/:channelId.
func (g *Gateway) getChannel(c *gin.Context) {
	channel, err := g.store.GetChannel(c.Request.Context(), auth.UserID(c), c.Param("channelId"))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, channel)
}

// updateChannel handles PUT /api/channels/:channelId.
func (g *Gateway) updateChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	channel, err := g.store.GetChannel(c.Request.Context(), auth.UserID(c), c.Param("channelId"))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}

	channel.Name = req.Name
	channel.Description = req.Description
	channel.OpenclawAgentID = req.OpenclawAgentID
	if err := g.store.UpdateChannel(c.Request.Context(), channel); err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, channel)
}

// deleteChannel handles DELETE /api/channels/:channelId.
func (g *Gateway) deleteChannel(c *gin.Context) {
	if err := g.store.DeleteChannel(c.Request.Context(), auth.UserID(c), c.Param("channelId")); err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type sessionRequest struct {
	Name string `json:"name" binding:"required"`
}

// createSession handles POST /api/channels/:channelId/sessions.
func (g *Gateway) createSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	// Ownership check; a foreign channelId must 404, not leak.
	channel, err := g.store.GetChannel(c.Request.Context(), auth.UserID(c), c.Param("channelId"))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}

	session := &storage.Session{
		ID:         uuid.New().String(),
		ChannelID:  channel.ID,
		Name:       req.Name,
		SessionKey: auth.UserID(c) + ":" + uuid.New().String(),
	}
	if err := g.store.CreateSession(c.Request.Context(), session); err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// listSessions handles GET /api/channels/:channelId/sessions.
func (g *Gateway) listSessions(c *gin.Context) {
	channel, err := g.store.GetChannel(c.Request.Context(), auth.UserID(c), c.Param("channelId"))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}

	sessions, err := g.store.ListSessions(c.Request.Context(), channel.ID)
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// deleteSession handles DELETE /api/sessions/:sessionId. Deleting the last
// session in a channel conflicts.
func (g *Gateway) deleteSession(c *gin.Context) {
	if err := g.store.DeleteSession(c.Request.Context(), auth.UserID(c), c.Param("sessionId")); err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// history handles GET /api/history?sessionKey=...&threadId=...&limit=...
// It serves from the live hub's cache when one exists, else the store.
func (g *Gateway) history(c *gin.Context) {
	sessionKey := c.Query("sessionKey")
	if sessionKey == "" {
		errors.AbortWithBadRequest(c, "sessionKey required", nil)
		return
	}
	// Session keys are always "{userId}:..."; a foreign key is a 404.
	if !strings.HasPrefix(sessionKey, auth.UserID(c)+":") {
		errors.AbortWithNotFound(c, "not found", nil)
		return
	}
	threadID := c.Query("threadId")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			errors.AbortWithBadRequest(c, "invalid limit", nil)
			return
		}
		limit = parsed
	}

	var page *storage.MessagePage
	var err error
	if h := g.hubs.Get(auth.UserID(c)); h != nil {
		page, err = h.History(c.Request.Context(), sessionKey, threadID, limit)
	} else {
		page, err = g.store.ListMessages(c.Request.Context(), sessionKey, threadID, limit)
	}
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}

	if page.Messages == nil {
		page.Messages = []storage.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":    page.Messages,
		"replyCounts": page.ReplyCounts,
	})
}
