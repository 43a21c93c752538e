package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

type registerRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"displayName"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	Token string    `json:"token"`
	User  *userView `json:"user"`
}

type userView struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

func viewOfUser(u *storage.User) *userView {
	return &userView{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt.UnixMilli(),
	}
}

// register handles POST /api/auth/register.
func (g *Gateway) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		errors.AbortWithInternal(c, "failed to process password")
		return
	}

	user := &storage.User{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash: hash,
		DisplayName:  req.DisplayName,
		AuthProvider: "password",
		CreatedAt:    time.Now(),
	}
	if err := g.store.CreateUser(c.Request.Context(), user); err != nil {
		if errors.Is(err, errors.ErrStateConflict) {
			errors.AbortWithConflict(c, "email already registered", nil)
			return
		}
		errors.FromStoreError(c, err)
		return
	}

	token, err := g.authCtx.Mint(user.ID, user.Email)
	if err != nil {
		errors.AbortWithInternal(c, "failed to issue token")
		return
	}

	g.logger.WithContext(c.Request.Context()).Info("user registered",
		slog.String("user_id", user.ID))
	c.JSON(http.StatusCreated, authResponse{Token: token, User: viewOfUser(user)})
}

// login handles POST /api/auth/login.
func (g *Gateway) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	user, err := g.store.GetUserByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			errors.AbortWithUnauthorized(c, "invalid credentials", nil)
			return
		}
		errors.FromStoreError(c, err)
		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		errors.AbortWithUnauthorized(c, "invalid credentials", nil)
		return
	}

	token, err := g.authCtx.Mint(user.ID, user.Email)
	if err != nil {
		errors.AbortWithInternal(c, "failed to issue token")
		return
	}
	c.JSON(http.StatusOK, authResponse{Token: token, User: viewOfUser(user)})
}

// me handles GET /api/me.
func (g *Gateway) me(c *gin.Context) {
	userID := auth.UserID(c)
	user, err := g.store.GetUser(c.Request.Context(), userID)
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOfUser(user))
}
