package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// uploadMedia handles POST /api/media (multipart, field "file"). The stored
// filename is generated server side; the response carries a signed URL the
// uploader can hand to clients or the plugin.
func (g *Gateway) uploadMedia(c *gin.Context) {
	userID := auth.UserID(c)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		errors.AbortWithBadRequest(c, "multipart field 'file' required", nil)
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		errors.AbortWithBadRequest(c, "file too large", map[string]interface{}{"maxBytes": maxUploadBytes})
		return
	}

	ext := strings.ToLower(path.Ext(header.Filename))
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	filename := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), uuid.New().String()[:8], ext)

	if _, err := g.media.Put(userID, filename, io.LimitReader(file, maxUploadBytes)); err != nil {
		g.logger.WithContext(c.Request.Context()).Error("media upload failed",
			slog.String("error", err.Error()))
		errors.AbortWithInternal(c, "failed to store file")
		return
	}

	ttl := time.Duration(g.mediaSignedURLTTL) * time.Millisecond
	mediaURL := fmt.Sprintf("/api/media/%s/%s?%s",
		userID, filename, g.signer.SignedQuery(userID, filename, ttl))

	c.JSON(http.StatusCreated, gin.H{
		"filename": filename,
		"mediaUrl": mediaURL,
	})
}

// serveMedia handles GET /api/media/:userId/:filename. Access requires
// either a valid signature (?expires=...&sig=...) or a bearer token for the
// owning user.
func (g *Gateway) serveMedia(c *gin.Context) {
	userID := c.Param("userId")
	filename := c.Param("filename")

	if !g.mediaAccessAllowed(c, userID, filename) {
		errors.AbortWithUnauthorized(c, "signature or bearer token required", nil)
		return
	}

	blob, err := g.media.Open(userID, filename)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			errors.AbortWithNotFound(c, "not found", nil)
			return
		}
		errors.AbortWithInternal(c, "failed to open file")
		return
	}
	defer blob.Close()

	c.Status(http.StatusOK)
	io.Copy(c.Writer, blob)
}

func (g *Gateway) mediaAccessAllowed(c *gin.Context, userID, filename string) bool {
	expires := c.Query("expires")
	sig := c.Query("sig")
	if expires != "" && sig != "" {
		return g.signer.Verify(userID, filename, expires, sig)
	}

	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		tokenUser, err := g.authCtx.Validate(strings.TrimPrefix(header, "Bearer "))
		return err == nil && tokenUser == userID
	}
	return false
}
