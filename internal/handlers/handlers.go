package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/pii-masker/internal/auth"
	"github.com/example/pii-masker/internal/masker"
	"github.com/example/pii-masker/internal/progress"
	"github.com/example/pii-masker/internal/usecase"
	"github.com/example/pii-masker/internal/web"
)

// MaxUploadSize bounds a selected image.
const MaxUploadSize = 10 << 20

// multipart framing allowance on top of MaxUploadSize
const formOverhead = 1 << 20

// TokenHeader carries a renewed session token on authenticated responses.
const TokenHeader = "X-Session-Token"

// TokenConfig controls the session tokens handed to the page.
type TokenConfig struct {
	Secret   string
	Audience string
	TTL      time.Duration
}

type routes struct {
	uc     *usecase.MaskingUseCase
	hub    *progress.Hub
	tokens TokenConfig
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.MaskingUseCase, hub *progress.Hub, tokens TokenConfig, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	r := &routes{uc: uc, hub: hub, tokens: tokens, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	index := web.Index()
	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})
	router.StaticFS("/static", http.FS(web.Static()))

	api := router.Group("/api")
	api.POST("/sessions", r.createSession)
	api.GET("/results/:id", r.getResult)
	api.GET("/metrics", r.metrics)

	session := api.Group("/session", authMiddleware, r.renewToken)
	session.GET("", r.state)
	session.PUT("/file", r.selectFile)
	session.POST("/upload", r.upload)
	session.GET("/history", r.history)
	session.GET("/progress", r.progressSocket)
}

func (r *routes) createSession(c *gin.Context) {
	s := r.uc.NewSession()
	token, err := auth.IssueToken(r.tokens.Secret, r.tokens.Audience, s.ID, r.tokens.TTL)
	if err != nil {
		r.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to start session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": s.ID,
		"token":      token,
		"expires_in": int(r.tokens.TTL.Seconds()),
	})
}

// renewToken slides the token expiry along with session activity.
func (r *routes) renewToken(c *gin.Context) {
	token, err := auth.IssueToken(r.tokens.Secret, r.tokens.Audience, sessionID(c), r.tokens.TTL)
	if err != nil {
		r.logger.Warn("failed to renew session token", zap.Error(err))
		c.Next()
		return
	}
	c.Header(TokenHeader, token)
	c.Next()
}

func (r *routes) state(c *gin.Context) {
	snap, err := r.uc.State(sessionID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (r *routes) selectFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)

	file, err := c.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			r.rejectSelection(c, http.StatusRequestEntityTooLarge, "image exceeds upload limit")
			return
		}
		r.rejectSelection(c, http.StatusBadRequest, "image file is required")
		return
	}
	if file.Size > MaxUploadSize {
		r.rejectSelection(c, http.StatusRequestEntityTooLarge, "image exceeds upload limit")
		return
	}

	src, err := file.Open()
	if err != nil {
		r.rejectSelection(c, http.StatusBadRequest, "unable to open image")
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		r.rejectSelection(c, http.StatusInternalServerError, "failed to read image")
		return
	}
	if len(data) == 0 {
		r.rejectSelection(c, http.StatusBadRequest, usecase.NoticeNoFile)
		return
	}

	detected := mimetype.Detect(data).String()
	if !strings.HasPrefix(detected, "image/") {
		r.rejectSelection(c, http.StatusUnsupportedMediaType, "only image files can be masked")
		return
	}

	image := &masker.Image{Name: file.Filename, ContentType: detected, Data: data}
	if err := r.uc.Select(c.Request.Context(), sessionID(c), image); err != nil {
		writeError(c, err)
		return
	}
	r.state(c)
}

// rejectSelection still counts as a new pick: the previous selection and
// result are dropped before the error is reported.
func (r *routes) rejectSelection(c *gin.Context, status int, message string) {
	if err := r.uc.Clear(c.Request.Context(), sessionID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, gin.H{"error": message})
}

func (r *routes) upload(c *gin.Context) {
	// The masking call outlives a dropped page request.
	ctx := context.WithoutCancel(c.Request.Context())

	handle, err := r.uc.Submit(ctx, sessionID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": handle})
}

func (r *routes) getResult(c *gin.Context) {
	result, err := r.uc.OpenResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	disposition := "inline"
	if download, _ := strconv.ParseBool(c.Query("download")); download {
		disposition = "attachment"
	}
	c.Header("Content-Disposition", disposition+`; filename="`+usecase.DownloadName+`"`)
	c.Header("Cache-Control", "private, max-age=300")
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

func (r *routes) history(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	jobs, err := r.uc.History(c.Request.Context(), sessionID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	items := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, gin.H{
			"request_id":   job.RequestID,
			"file_name":    job.FileName,
			"input_bytes":  job.InputBytes,
			"output_bytes": job.OutputBytes,
			"success":      job.Success,
			"latency_ms":   job.LatencyMs,
			"created_at":   job.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"jobs": items})
}

func (r *routes) metrics(c *gin.Context) {
	summary, err := r.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (r *routes) progressSocket(c *gin.Context) {
	id := sessionID(c)
	snap, err := r.uc.State(id)
	if err != nil {
		writeError(c, err)
		return
	}

	initial := progress.Event{Progress: snap.Progress, Busy: snap.Busy}
	if snap.Result != nil {
		initial.ResultURL = snap.Result.URL
	}
	r.hub.Serve(c.Writer, c.Request, id, initial)
}

func sessionID(c *gin.Context) string {
	id, _ := auth.GetSessionID(c.Request.Context())
	return id
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, usecase.ErrNoFileSelected):
		c.JSON(http.StatusBadRequest, gin.H{"error": usecase.NoticeNoFile})
	case errors.Is(err, usecase.ErrMaskingFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": usecase.NoticeMaskingFailed})
	case errors.Is(err, usecase.ErrUploadInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrSessionNotFound), errors.Is(err, usecase.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrHistoryUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
