package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"github.com/dinobot22/mineru-tianshu/config"
	"github.com/dinobot22/mineru-tianshu/queue"
	"github.com/dinobot22/mineru-tianshu/storage"
	"github.com/dinobot22/mineru-tianshu/store"
)

type Handler struct {
	queue    *queue.Service
	st       *store.Store
	uploader *storage.ImageUploader
	cfg      *config.Config
	logger   *logrus.Logger
}

func NewHandler(q *queue.Service, st *store.Store, uploader *storage.ImageUploader, cfg *config.Config, logger *logrus.Logger) *Handler {
	return &Handler{queue: q, st: st, uploader: uploader, cfg: cfg, logger: logger}
}

// knownOptionFields are form fields with dedicated meaning; everything else
// posted alongside them is passed through to the engine untouched.
var knownOptionFields = map[string]struct{}{
	"backend": {}, "priority": {}, "max_retries": {},
}

// handleSubmit accepts a multipart upload, persists it under the upload
// root keyed by the new task id, and enqueues the task.
func (h *Handler) handleSubmit(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "missing file upload")
		return
	}
	if fileHeader.Size == 0 {
		badRequest(c, "empty file")
		return
	}
	if fileHeader.Size > h.cfg.MaxUploadSize {
		badRequest(c, "file exceeds upload size limit")
		return
	}

	priority := 0
	if v := c.PostForm("priority"); v != "" {
		priority, err = strconv.Atoi(v)
		if err != nil {
			badRequest(c, "invalid priority")
			return
		}
	}
	var maxRetries *int
	if v := c.PostForm("max_retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, "invalid max_retries")
			return
		}
		maxRetries = &n
	}

	// Engine options: the well-known parse fields plus any extra form
	// fields, all opaque to the core.
	options := store.Options{}
	if c.Request.MultipartForm != nil {
		for key, vals := range c.Request.MultipartForm.Value {
			if _, known := knownOptionFields[key]; known || len(vals) == 0 {
				continue
			}
			options[key] = vals[0]
		}
	}

	taskID := uuid.NewString()
	fileName := filepath.Base(fileHeader.Filename)
	uploadDir := filepath.Join(h.cfg.UploadRoot, taskID)
	uploadPath := filepath.Join(uploadDir, fileName)
	if err := c.SaveUploadedFile(fileHeader, uploadPath); err != nil {
		h.logger.WithError(err).Error("failed to persist upload")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to persist upload"})
		return
	}

	task, err := h.queue.Submit(c.Request.Context(), principalFrom(c), queue.Submission{
		TaskID:     taskID,
		FileName:   fileName,
		FilePath:   uploadPath,
		Backend:    c.PostForm("backend"),
		Options:    options,
		Priority:   priority,
		MaxRetries: maxRetries,
	})
	if err != nil {
		os.RemoveAll(uploadDir)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"task_id":    task.TaskID,
		"status":     task.Status,
		"file_name":  task.FileName,
		"created_at": task.CreatedAt.Format(time.RFC3339),
	})
}

// handleGetTask returns the task record; for completed tasks the requested
// artifact contents are inlined. Missing artifact files surface as empty
// fields, never as errors.
func (h *Handler) handleGetTask(c *gin.Context) {
	task, err := h.queue.Get(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"success": true,
		"task":    task,
	}

	format := c.Query("format")
	switch format {
	case "", "markdown", "json", "both":
	default:
		badRequest(c, "format must be markdown, json, or both")
		return
	}

	if task.Status == store.StatusCompleted && format != "" {
		if task.ResultDir == "" {
			resp["data"] = nil
			resp["message"] = "result files have been cleaned up after the retention period"
		} else {
			resp["data"] = h.loadArtifacts(c, task, format)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) loadArtifacts(c *gin.Context, task *store.Task, format string) gin.H {
	data := gin.H{
		"markdown_file":  task.MarkdownFile,
		"json_file":      task.JSONFile,
		"json_available": task.JSONFile != "",
	}

	if format == "markdown" || format == "both" {
		content := h.readArtifact(task, task.MarkdownFile)
		if content != "" && c.Query("upload_images") == "true" && h.uploader != nil {
			imageDir := filepath.Join(task.ResultDir, filepath.Dir(task.MarkdownFile), "images")
			content = h.uploader.RewriteMarkdown(c.Request.Context(), content, imageDir)
		}
		data["content"] = content
	}
	if format == "json" || format == "both" {
		data["json_content"] = h.readArtifact(task, task.JSONFile)
	}
	return data
}

// readArtifact returns the artifact contents or "" when the file is gone.
func (h *Handler) readArtifact(task *store.Task, rel string) string {
	if rel == "" {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(task.ResultDir, rel))
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"task_id": task.TaskID,
			"file":    rel,
		}).WithError(err).Warn("artifact unreadable")
		return ""
	}
	return string(b)
}

func (h *Handler) handleCancel(c *gin.Context) {
	inFlight, err := h.queue.Cancel(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if inFlight {
		c.JSON(http.StatusOK, gin.H{"success": true, "in_flight": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cancelled": true})
}

func (h *Handler) handleListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	tasks, total, err := h.queue.List(c.Request.Context(), principalFrom(c), queue.ListParams{
		Status: c.Query("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tasks": tasks, "total": total})
}

func (h *Handler) handleStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context(), principalFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) handleResetStale(c *gin.Context) {
	var body struct {
		TimeoutMinutes int `json:"timeout_minutes"`
	}
	// An empty body means "use the configured default".
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body")
		return
	}
	if body.TimeoutMinutes <= 0 {
		body.TimeoutMinutes = int(h.cfg.StaleTimeout.Minutes())
	}

	n, err := h.queue.ResetStale(c.Request.Context(), principalFrom(c),
		time.Duration(body.TimeoutMinutes)*time.Minute)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reset_count": n})
}

func (h *Handler) handleCleanup(c *gin.Context) {
	var body struct {
		RetentionDays int `json:"retention_days"`
	}
	// An empty body means "use the configured default".
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body")
		return
	}
	if body.RetentionDays <= 0 {
		body.RetentionDays = int(h.cfg.PurgeRetention.Hours() / 24)
	}

	n, err := h.queue.PurgeOld(c.Request.Context(), principalFrom(c),
		time.Duration(body.RetentionDays)*24*time.Hour)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted_count": n})
}

// handleHealth checks each component the service depends on.
func (h *Handler) handleHealth(c *gin.Context) {
	components := gin.H{}
	healthy := true

	if err := h.st.Ping(c.Request.Context()); err != nil {
		components["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		healthy = false
	} else {
		components["database"] = gin.H{"status": "healthy"}
	}

	if err := os.MkdirAll(h.cfg.OutputRoot, 0o755); err != nil {
		components["output_root"] = gin.H{"status": "unhealthy", "error": err.Error()}
		healthy = false
	} else {
		components["output_root"] = gin.H{"status": "healthy"}
	}

	if d, err := disk.Usage(h.cfg.OutputRoot); err == nil {
		components["disk_free_bytes"] = d.Free
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "components": components})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

// respondError maps the core error taxonomy onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
