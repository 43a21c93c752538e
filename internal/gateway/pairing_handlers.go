package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

type createPairingTokenRequest struct {
	Label string `json:"label"`
}

type pairingTokenView struct {
	ID              string `json:"id"`
	Label           string `json:"label,omitempty"`
	LastConnectedAt int64  `json:"lastConnectedAt,omitempty"`
	LastIP          string `json:"lastIp,omitempty"`
	ConnectionCount int    `json:"connectionCount"`
	Revoked         bool   `json:"revoked"`
	CreatedAt       int64  `json:"createdAt"`
}

func viewOfPairingToken(t *storage.PairingToken) *pairingTokenView {
	v := &pairingTokenView{
		ID:              t.ID,
		Label:           t.Label,
		LastIP:          t.LastIP,
		ConnectionCount: t.ConnectionCount,
		Revoked:         t.RevokedAt != nil,
		CreatedAt:       t.CreatedAt.UnixMilli(),
	}
	if t.LastConnectedAt != nil {
		v.LastConnectedAt = t.LastConnectedAt.UnixMilli()
	}
	return v
}

// createPairingToken handles POST /api/pairing-tokens. The opaque secret is
// returned exactly once, in this response.
func (g *Gateway) createPairingToken(c *gin.Context) {
	var req createPairingTokenRequest
	c.ShouldBindJSON(&req)

	secret, err := auth.GeneratePairingToken()
	if err != nil {
		errors.AbortWithInternal(c, "failed to generate token")
		return
	}

	token := &storage.PairingToken{
		ID:        uuid.New().String(),
		UserID:    auth.UserID(c),
		Token:     secret,
		Label:     req.Label,
		CreatedAt: time.Now(),
	}
	if err := g.store.CreatePairingToken(c.Request.Context(), token); err != nil {
		errors.FromStoreError(c, err)
		return
	}

	view := viewOfPairingToken(token)
	c.JSON(http.StatusCreated, gin.H{
		"token":        secret,
		"pairingToken": view,
	})
}

// listPairingTokens handles GET /api/pairing-tokens. Secrets never appear in
// listings; revoked tokens stay visible with their audit fields intact.
func (g *Gateway) listPairingTokens(c *gin.Context) {
	tokens, err := g.store.ListPairingTokens(c.Request.Context(), auth.UserID(c))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}

	views := make([]*pairingTokenView, 0, len(tokens))
	for i := range tokens {
		views = append(views, viewOfPairingToken(&tokens[i]))
	}
	c.JSON(http.StatusOK, gin.H{"pairingTokens": views})
}

// revokePairingToken handles DELETE /api/pairing-tokens/:tokenId. Revocation
// is a soft delete: the row stays for audit, new attaches fail, and any
// currently connected plugin is left alone.
func (g *Gateway) revokePairingToken(c *gin.Context) {
	err := g.store.RevokePairingToken(c.Request.Context(), auth.UserID(c), c.Param("tokenId"))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
