package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/logger"
)

const (
	// ContextUserID is the gin context key holding the authenticated user.
	ContextUserID = "user_id"
)

// RequireAuth validates the bearer token and stores the user ID on the gin
// context. WebSocket upgrade requests may carry the token as a ?token= query
// parameter because browsers cannot set headers on WebSocket handshakes.
func RequireAuth(authCtx *AuthContext, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				apierrors.NewAPIError("missing authorization token", nil))
			return
		}

		userID, err := authCtx.Validate(tokenString)
		if err != nil {
			log.WithContext(c.Request.Context()).Debug("token rejected",
				slog.String("path", c.Request.URL.Path),
				slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				apierrors.NewAPIError("invalid or expired token", nil))
			return
		}

		c.Set(ContextUserID, userID)
		c.Request = c.Request.WithContext(
			logger.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// UserID returns the authenticated user ID set by RequireAuth.
func UserID(c *gin.Context) string {
	v, _ := c.Get(ContextUserID)
	id, _ := v.(string)
	return id
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if isWebSocketUpgrade(c.Request) {
		return c.Query("token")
	}
	return ""
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
