package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

const defaultJobsLimit = 50

type taskRequest struct {
	Name              string `json:"name" binding:"required"`
	Kind              string `json:"kind"`
	OpenclawCronJobID string `json:"openclawCronJobId"`
	SessionKey        string `json:"sessionKey"`
	Enabled           *bool  `json:"enabled"`
}

// createTask handles POST /api/channels/:channelId/tasks.
func (g *Gateway) createTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	channel, err := g.store.GetChannel(c.Request.Context(), auth.UserID(c), c.Param("channelId"))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = "background"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now()
	task := &storage.Task{
		ID:                uuid.New().String(),
		ChannelID:         channel.ID,
		Name:              req.Name,
		Kind:              kind,
		OpenclawCronJobID: req.OpenclawCronJobID,
		SessionKey:        req.SessionKey,
		Enabled:           enabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := g.store.CreateTask(c.Request.Context(), task); err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// listTasks handles GET /api/channels/:channelId/tasks.
func (g *Gateway) listTasks(c *gin.Context) {
	channel, err := g.store.GetChannel(c.Request.Context(), auth.UserID(c), c.Param("channelId"))
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}

	tasks, err := g.store.ListTasks(c.Request.Context(), channel.ID)
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// ownedTask loads a task and verifies the caller owns its channel. A foreign
// taskId responds 404, not 403, so ids do not leak.
func (g *Gateway) ownedTask(c *gin.Context) *storage.Task {
	task, err := g.store.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		errors.FromStoreError(c, err)
		return nil
	}
	if _, err := g.store.GetChannel(c.Request.Context(), auth.UserID(c), task.ChannelID); err != nil {
		errors.FromStoreError(c, err)
		return nil
	}
	return task
}

// getTask handles GET /api/tasks/:taskId.
func (g *Gateway) getTask(c *gin.Context) {
	task := g.ownedTask(c)
	if task == nil {
		return
	}
	c.JSON(http.StatusOK, task)
}

// updateTask handles PUT /api/tasks/:taskId.
func (g *Gateway) updateTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid request body", nil)
		return
	}

	task := g.ownedTask(c)
	if task == nil {
		return
	}

	task.Name = req.Name
	if req.Kind != "" {
		task.Kind = req.Kind
	}
	task.OpenclawCronJobID = req.OpenclawCronJobID
	task.SessionKey = req.SessionKey
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	task.UpdatedAt = time.Now()

	if err := g.store.UpdateTask(c.Request.Context(), task); err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// deleteTask handles DELETE /api/tasks/:taskId.
func (g *Gateway) deleteTask(c *gin.Context) {
	task := g.ownedTask(c)
	if task == nil {
		return
	}
	if err := g.store.DeleteTask(c.Request.Context(), task.ID); err != nil {
		errors.FromStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// listJobs handles GET /api/tasks/:taskId/jobs, newest first.
func (g *Gateway) listJobs(c *gin.Context) {
	limit := defaultJobsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			errors.AbortWithBadRequest(c, "invalid limit", nil)
			return
		}
		limit = parsed
	}

	task := g.ownedTask(c)
	if task == nil {
		return
	}

	jobs, err := g.store.ListJobsByTask(c.Request.Context(), task.ID, limit)
	if err != nil {
		errors.FromStoreError(c, err)
		return
	}
	if jobs == nil {
		jobs = []storage.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
