package gateway

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/hub"
)

func (g *Gateway) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return g.authCtx.OriginAllowed(r.Header.Get("Origin"))
		},
	}
}

// pluginUpgrade handles GET /api/gateway/:connId, the plugin's WebSocket.
// Plugins authenticate with a pairing token in ?token= or X-Pairing-Token;
// the token resolves to the owning user regardless of what connId claims.
func (g *Gateway) pluginUpgrade(c *gin.Context) {
	log := g.logger.WithContext(c.Request.Context())

	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("X-Pairing-Token")
	}
	if token == "" {
		errors.AbortWithUnauthorized(c, "pairing token required", nil)
		return
	}

	userID, tokenID, err := g.store.ResolvePairingToken(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrRevoked) {
			log.Debug("pairing token rejected",
				slog.String("conn_id", c.Param("connId")),
				slog.String("error", err.Error()))
			errors.AbortWithUnauthorized(c, "invalid pairing token", nil)
			return
		}
		errors.FromStoreError(c, err)
		return
	}

	if err := g.store.RecordPairingUse(c.Request.Context(), tokenID, c.ClientIP()); err != nil {
		// Audit update failure must not block the plugin.
		log.Error("failed to record pairing use",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()))
	}

	if _, err := g.store.EnsureDefaultChannel(c.Request.Context(), userID); err != nil {
		log.Error("failed to ensure default channel",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}

	upgrader := g.upgrader()
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("plugin upgrade failed", slog.String("error", err.Error()))
		return
	}

	h := g.hubs.GetOrCreate(userID)
	connID := uuid.New().String()
	sp := hub.NewSocketPair(ws, h.WriterQueueSize(), h.SocketConfig(hub.RolePlugin, connID, c.ClientIP()))
	if err := h.AttachPlugin(sp); err != nil {
		sp.Close(1000, "hub unavailable")
		return
	}
	sp.Start()

	log.Info("plugin connected",
		slog.String("user_id", userID),
		slog.String("conn_id", connID),
		slog.String("ip", c.ClientIP()))
}

// clientUpgrade handles GET /api/ws/:userId/:sessionId, the browser/mobile
// WebSocket. No credential travels in the URL; the first frame must be auth
// within the handshake timeout.
func (g *Gateway) clientUpgrade(c *gin.Context) {
	log := g.logger.WithContext(c.Request.Context())
	userID := c.Param("userId")
	if userID == "" {
		errors.AbortWithBadRequest(c, "userId required", nil)
		return
	}

	upgrader := g.upgrader()
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("client upgrade failed", slog.String("error", err.Error()))
		return
	}

	h := g.hubs.GetOrCreate(userID)
	connID := uuid.New().String()
	sp := hub.NewSocketPair(ws, h.WriterQueueSize(), h.SocketConfig(hub.RoleClient, connID, c.ClientIP()))
	if err := h.AttachClient(sp); err != nil {
		sp.Close(1000, "hub unavailable")
		return
	}
	sp.Start()

	log.Debug("client connected",
		slog.String("user_id", userID),
		slog.String("session_id", c.Param("sessionId")),
		slog.String("conn_id", connID))
}
