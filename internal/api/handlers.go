package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"previewd/internal/auth"
	"previewd/internal/fetch"
	"previewd/internal/filetype"
	"previewd/internal/models"
	"previewd/internal/render"
	"previewd/internal/service/attachment"
	"previewd/internal/session"
	"previewd/internal/worker"
)

const maxWait = 30 * time.Second

// StatsReporter exposes worker pool occupancy. *worker.Dispatcher implements it.
type StatsReporter interface {
	Stats() worker.Stats
}

// SnapshotStore answers state queries for sessions held by another replica.
// *session.RedisMirror implements it.
type SnapshotStore interface {
	Load(ctx context.Context, viewer string) (models.Snapshot, bool, error)
}

// Handler wires HTTP routes to attachment storage and preview sessions.
type Handler struct {
	attachments  *attachment.Service
	auth         *auth.Service
	sessions     *session.Manager
	workers      StatsReporter
	remote       SnapshotStore
	objectBucket string
	logger       *zap.Logger
}

// NewHandler constructs a Handler instance. workers may be nil.
func NewHandler(attachments *attachment.Service, authService *auth.Service, sessions *session.Manager, workers StatsReporter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		attachments: attachments,
		auth:        authService,
		sessions:    sessions,
		workers:     workers,
		logger:      logger,
	}
}

// WithSnapshotStore sets the fallback consulted by GET /api/preview when this
// replica holds no session for the viewer.
func (h *Handler) WithSnapshotStore(store SnapshotStore) *Handler {
	h.remote = store
	return h
}

// WithObjectBucket lets descriptors name s3:// objects of bucket below the
// caller's own key prefix.
func (h *Handler) WithObjectBucket(bucket string) *Handler {
	h.objectBucket = bucket
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/classify", h.classify)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/logout", h.logout)
	authed.POST("/attachments", h.uploadAttachment)
	authed.GET("/attachments", h.listAttachments)
	authed.GET("/attachments/:id/content", h.attachmentContent)
	authed.DELETE("/attachments/:id", h.deleteAttachment)

	authed.POST("/preview/open", h.openPreview)
	authed.GET("/preview", h.previewState)
	authed.GET("/preview/render", h.renderPreview)
	authed.POST("/preview/retry", h.retryPreview)
	authed.POST("/preview/sheet", h.selectSheet)
	authed.DELETE("/preview", h.closePreview)
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "ok", "sessions": h.sessions.Len()}
	if h.workers != nil {
		stats := h.workers.Stats()
		body["workers"] = gin.H{"running": stats.Running, "idle": stats.Idle, "pending": stats.Pending}
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) classify(c *gin.Context) {
	declared := c.Query("type")
	category := filetype.Classify(declared)
	c.JSON(http.StatusOK, gin.H{
		"type":        declared,
		"category":    category,
		"previewable": category != filetype.Unsupported,
		"csv":         filetype.IsCSV(declared),
	})
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		respondError(c, &APIError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "authorization required"})
		return 0, false
	}
	return userID, true
}

func viewerKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (h *Handler) logout(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	token, _ := auth.AuthTokenFromContext(c)
	if err := h.auth.RevokeToken(c.Request.Context(), token); err != nil {
		respondError(c, newInternalError("revoke token failed", err))
		return
	}
	h.sessions.Remove(viewerKey(userID))
	c.Status(http.StatusNoContent)
}

// Attachments

func (h *Handler) uploadAttachment(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	limit := h.attachments.MaxUploadBytes()
	// leave room for multipart framing around the file part
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)

	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(c, newTooLargeError(limit))
			return
		}
		respondError(c, newBadRequestError("file is required", err))
		return
	}
	if file.Size > limit {
		respondError(c, newTooLargeError(limit))
		return
	}

	declared := strings.TrimSpace(c.PostForm("type"))
	if declared == "" {
		declared = file.Header.Get("Content-Type")
	}
	if declared == "application/octet-stream" {
		declared = ""
	}

	f, err := file.Open()
	if err != nil {
		respondError(c, newBadRequestError("open file failed", err))
		return
	}
	defer f.Close()

	att, err := h.attachments.Save(c.Request.Context(), userID, file.Filename, declared, f)
	switch {
	case err == nil:
	case errors.Is(err, attachment.ErrTooLarge):
		respondError(c, newTooLargeError(limit))
		return
	case errors.Is(err, attachment.ErrQuotaExceeded):
		respondError(c, newQuotaError(h.attachments.QuotaBytes()))
		return
	case errors.Is(err, attachment.ErrEmpty):
		respondError(c, newValidationError("file"))
		return
	default:
		respondError(c, newInternalError("store attachment failed", err))
		return
	}

	usage, _ := h.attachments.Usage(c.Request.Context(), userID)
	c.JSON(http.StatusCreated, gin.H{
		"attachment": att,
		"category":   filetype.Classify(att.MimeType),
		"used":       usage,
		"limit":      h.attachments.QuotaBytes(),
	})
}

func (h *Handler) listAttachments(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.attachments.List(c.Request.Context(), userID)
	if err != nil {
		respondError(c, newInternalError("list attachments failed", err))
		return
	}
	if list == nil {
		list = []*models.Attachment{}
	}
	c.JSON(http.StatusOK, gin.H{"attachments": list})
}

func (h *Handler) attachmentContent(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id := c.Param("id")
	f, att, err := h.attachments.Open(c.Request.Context(), userID, id)
	if err != nil {
		if errors.Is(err, attachment.ErrNotFound) {
			respondError(c, newNotFoundError("attachment", id))
			return
		}
		respondError(c, newInternalError("open attachment failed", err))
		return
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		respondError(c, newInternalError("read attachment failed", err))
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		respondError(c, newInternalError("read attachment failed", err))
		return
	}

	contentType, inline := servedType(head[:n])
	disposition := "attachment"
	if inline {
		disposition = "inline"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", disposition+"; filename="+strconv.Quote(att.FileName))
	c.Header("X-Content-Type-Options", "nosniff")
	if contentType != "application/pdf" {
		c.Header("Content-Security-Policy", "sandbox")
	}
	http.ServeContent(c.Writer, c.Request, att.FileName, att.CreatedAt, f)
}

// inlineTypes are the sniffed types a browser may display from this origin.
var inlineTypes = map[string]bool{
	"application/pdf": true,
	"image/bmp":       true,
	"image/gif":       true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"text/plain":      true,
}

// servedType picks the response type from the stored bytes, never from the
// type declared at upload. Anything not displayable inline is a download.
func servedType(head []byte) (string, bool) {
	sniffed := http.DetectContentType(head)
	base, _, err := mime.ParseMediaType(sniffed)
	if err != nil || !inlineTypes[base] {
		return "application/octet-stream", false
	}
	return sniffed, true
}

func (h *Handler) deleteAttachment(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.attachments.Delete(c.Request.Context(), userID, id); err != nil {
		if errors.Is(err, attachment.ErrNotFound) {
			respondError(c, newNotFoundError("attachment", id))
			return
		}
		respondError(c, newInternalError("delete attachment failed", err))
		return
	}

	// a preview still showing the deleted file is closed
	if ctrl, ok := h.sessions.Lookup(viewerKey(userID)); ok {
		if snap := ctrl.Snapshot(); snap.Descriptor != nil && snap.Descriptor.URL == models.AttachmentScheme+"://"+id {
			ctrl.Close()
		}
	}
	c.Status(http.StatusNoContent)
}

// Preview sessions

type openRequest struct {
	AttachmentID string                 `json:"attachment_id"`
	Descriptor   *models.FileDescriptor `json:"descriptor"`
}

func (h *Handler) openPreview(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, newBadRequestError("invalid request body", err))
		return
	}

	var desc models.FileDescriptor
	switch {
	case req.AttachmentID != "":
		att, err := h.attachments.Get(c.Request.Context(), userID, req.AttachmentID)
		if err != nil {
			if errors.Is(err, attachment.ErrNotFound) {
				respondError(c, newNotFoundError("attachment", req.AttachmentID))
				return
			}
			respondError(c, newInternalError("lookup attachment failed", err))
			return
		}
		desc = att.Descriptor()
	case req.Descriptor != nil:
		u, err := url.Parse(req.Descriptor.URL)
		if err != nil || u.Scheme == "" {
			respondError(c, newValidationError("descriptor.url"))
			return
		}
		if !h.remoteAllowed(u, userID) {
			respondError(c, newValidationError("descriptor.url"))
			return
		}
		desc = *req.Descriptor
	default:
		respondError(c, newValidationError("attachment_id"))
		return
	}

	snap := h.sessions.Get(viewerKey(userID)).Open(desc)
	c.JSON(http.StatusAccepted, gin.H{"snapshot": snap})
}

// remoteAllowed accepts http(s) URLs and, when an object bucket is set, s3
// objects under the caller's prefix. Stored files are only reachable through
// attachment_id, which checks ownership.
func (h *Handler) remoteAllowed(u *url.URL, userID int64) bool {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Host != ""
	case "s3":
		return fetch.OwnsObject(u, h.objectBucket, userID)
	default:
		return false
	}
}

// previewState returns the current snapshot. With ?wait=<duration> it blocks
// until a pending load settles or the duration elapses.
func (h *Handler) previewState(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctrl, ok := h.sessions.Lookup(viewerKey(userID))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"snapshot": h.remoteSnapshot(c.Request.Context(), userID)})
		return
	}

	if raw := c.Query("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			respondError(c, newValidationError("wait"))
			return
		}
		if wait > maxWait {
			wait = maxWait
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()
		snap, _ := ctrl.Wait(ctx)
		c.JSON(http.StatusOK, gin.H{"snapshot": snap})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": ctrl.Snapshot()})
}

// remoteSnapshot reports a session mirrored by another replica, or a closed
// one when there is none or the store is unreachable.
func (h *Handler) remoteSnapshot(ctx context.Context, userID int64) models.Snapshot {
	closed := models.Snapshot{State: models.StateClosed}
	if h.remote == nil {
		return closed
	}
	snap, ok, err := h.remote.Load(ctx, viewerKey(userID))
	if err != nil {
		h.logger.Warn("load mirrored preview state", zap.Int64("user_id", userID), zap.Error(err))
		return closed
	}
	if !ok {
		return closed
	}
	return snap
}

func (h *Handler) renderPreview(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	snap := models.Snapshot{State: models.StateClosed}
	var parsed *models.Parsed
	if ctrl, ok := h.sessions.Lookup(viewerKey(userID)); ok {
		snap, parsed = ctrl.View()
	}

	if c.Query("format") == "text" {
		var sb strings.Builder
		if err := render.RenderText(&sb, snap, parsed); err != nil {
			respondError(c, newInternalError("render preview failed", err))
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(sb.String()))
		return
	}

	markup, err := render.Render(snap, parsed)
	if err != nil {
		respondError(c, newInternalError("render preview failed", err))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(markup))
}

func (h *Handler) retryPreview(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctrl, ok := h.sessions.Lookup(viewerKey(userID))
	if !ok {
		respondError(c, newConflictError("no preview is open"))
		return
	}
	if ctrl.Snapshot().State != models.StateFailed {
		respondError(c, newConflictError("only a failed preview can be retried"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"snapshot": ctrl.Retry()})
}

type sheetRequest struct {
	Index *int `json:"index"`
}

func (h *Handler) selectSheet(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req sheetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, newBadRequestError("invalid request body", err))
		return
	}
	if req.Index == nil {
		respondError(c, newValidationError("index"))
		return
	}
	ctrl, ok := h.sessions.Lookup(viewerKey(userID))
	if !ok {
		respondError(c, newConflictError("no preview is open"))
		return
	}
	snap, changed := ctrl.SelectSheet(*req.Index)
	if !changed {
		respondError(c, newConflictError("sheet cannot be selected"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

func (h *Handler) closePreview(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.sessions.Remove(viewerKey(userID))
	c.JSON(http.StatusOK, gin.H{"snapshot": models.Snapshot{State: models.StateClosed}})
}
