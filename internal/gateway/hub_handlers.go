package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/protocol"
)

// hubStatus handles GET /api/hub/status. A hub is a cluster-wide singleton;
// when this node does not own it, the relay asks the cluster.
func (g *Gateway) hubStatus(c *gin.Context) {
	userID := auth.UserID(c)

	if h := g.hubs.Get(userID); h != nil {
		status, err := h.Status()
		if err != nil {
			errors.AbortWithInternal(c, "hub unavailable")
			return
		}
		c.JSON(http.StatusOK, status)
		return
	}

	if g.relay != nil {
		raw, found, err := g.relay.Status(c.Request.Context(), userID)
		if err != nil {
			errors.AbortWithInternal(c, "cluster relay failed")
			return
		}
		if found {
			c.Data(http.StatusOK, "application/json", raw)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":          userID,
		"pluginConnected": false,
		"clients":         0,
	})
}

// hubSend handles POST /api/hub/send: injects one frame into the user's
// plugin socket, relaying across the cluster when another node owns the hub.
func (g *Gateway) hubSend(c *gin.Context) {
	userID := auth.UserID(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, protocol.MaxFrameSize+1))
	if err != nil {
		errors.AbortWithBadRequest(c, "failed to read body", nil)
		return
	}
	if _, err := protocol.Decode(body); err != nil {
		errors.AbortWithBadRequest(c, "invalid frame", map[string]interface{}{"error": err.Error()})
		return
	}

	if h := g.hubs.Get(userID); h != nil {
		if err := h.SendToPlugin(json.RawMessage(body)); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				errors.AbortWithNotFound(c, "no plugin attached", nil)
				return
			}
			if errors.Is(err, errors.ErrBackpressure) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable,
					errors.NewAPIError("plugin send queue full", nil))
				return
			}
			errors.AbortWithInternal(c, "send failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"sent": true})
		return
	}

	if g.relay != nil {
		found, err := g.relay.Send(c.Request.Context(), userID, body)
		if err != nil {
			errors.AbortWithInternal(c, "cluster relay failed")
			return
		}
		if found {
			c.JSON(http.StatusOK, gin.H{"sent": true})
			return
		}
	}

	errors.AbortWithNotFound(c, "no hub for user", nil)
}
