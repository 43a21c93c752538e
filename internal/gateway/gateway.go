// Package gateway is the HTTP and WebSocket edge: auth and pairing routes,
// channel/session/task CRUD, media, hub status and send, and the two WS
// upgrade endpoints that feed the per-user hubs.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/cluster"
	"github.com/openclaw/openclaw-cloud/internal/hub"
	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/storage"
	"github.com/openclaw/openclaw-cloud/internal/storage/object"
)

// Gateway wires the HTTP surface to the store, the hub manager, and the
// cluster relay. relay may be nil in single-node mode.
type Gateway struct {
	store   storage.Store
	hubs    *hub.Manager
	authCtx *auth.AuthContext
	relay   *cluster.Relay
	media   *object.Store
	signer  *object.Signer
	logger  *logger.Logger

	mediaSignedURLTTL int64 // milliseconds
}

// New creates a gateway.
func New(store storage.Store, hubs *hub.Manager, authCtx *auth.AuthContext, relay *cluster.Relay, media *object.Store, signer *object.Signer, log *logger.Logger, mediaTTLMillis int64) *Gateway {
	return &Gateway{
		store:             store,
		hubs:              hubs,
		authCtx:           authCtx,
		relay:             relay,
		media:             media,
		signer:            signer,
		logger:            log.WithComponent("gateway"),
		mediaSignedURLTTL: mediaTTLMillis,
	}
}

// Routes registers every route on the router.
func (g *Gateway) Routes(router *gin.Engine) {
	router.Use(g.corsMiddleware())

	router.GET("/health", g.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	// Auth routes carry no bearer token.
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", g.register)
		authGroup.POST("/login", g.login)
	}

	// WS upgrades carry their own auth: pairing token for the plugin, first
	// frame for clients.
	api.GET("/gateway/:connId", g.pluginUpgrade)
	api.GET("/ws/:userId/:sessionId", g.clientUpgrade)

	// Media serving accepts a signed URL or a bearer token.
	api.GET("/media/:userId/:filename", g.serveMedia)

	authed := api.Group("")
	authed.Use(auth.RequireAuth(g.authCtx, g.logger))
	{
		authed.GET("/me", g.me)

		authed.POST("/pairing-tokens", g.createPairingToken)
		authed.GET("/pairing-tokens", g.listPairingTokens)
		authed.DELETE("/pairing-tokens/:tokenId", g.revokePairingToken)

		authed.POST("/channels", g.createChannel)
		authed.GET("/channels", g.listChannels)
		authed.GET("/channels/:channelId", g.getChannel)
		authed.PUT("/channels/:channelId", g.updateChannel)
		authed.DELETE("/channels/:channelId", g.deleteChannel)

		authed.POST("/channels/:channelId/sessions", g.createSession)
		authed.GET("/channels/:channelId/sessions", g.listSessions)
		authed.DELETE("/sessions/:sessionId", g.deleteSession)
		authed.GET("/history", g.history)

		authed.POST("/channels/:channelId/tasks", g.createTask)
		authed.GET("/channels/:channelId/tasks", g.listTasks)
		authed.GET("/tasks/:taskId", g.getTask)
		authed.PUT("/tasks/:taskId", g.updateTask)
		authed.DELETE("/tasks/:taskId", g.deleteTask)
		authed.GET("/tasks/:taskId/jobs", g.listJobs)

		authed.GET("/hub/status", g.hubStatus)
		authed.POST("/hub/send", g.hubSend)

		authed.POST("/media", g.uploadMedia)
	}
}

// corsMiddleware applies the origin allowlist. Requests from disallowed
// origins get no CORS headers, so browsers refuse the response.
func (g *Gateway) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && g.authCtx.OriginAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Pairing-Token")
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (g *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"instance_id": logger.GetInstanceID(),
		"hubs":        g.hubs.Count(),
	})
}
