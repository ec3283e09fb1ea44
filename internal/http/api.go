package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"boxoffice/internal/domain"
	"boxoffice/internal/repository"
	"boxoffice/internal/service"
	"boxoffice/internal/storage"
)

// Downloads is the task surface the handlers drive.
type Downloads interface {
	Submit(ctx context.Context, primary, secondary, title string) (string, error)
	Get(id string) (domain.Task, error)
	List() []domain.Task
	Remove(ctx context.Context, id string) error
}

type ArchiveLister interface {
	List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

// Handler wires HTTP routes to the orchestrator and its optional collaborators. history,
// archive and auth may be nil.
type Handler struct {
	downloads Downloads
	history   repository.HistoryRepository
	archive   ArchiveLister
	auth      service.AuthService
	dataRoot  string
}

func NewHandler(downloads Downloads, history repository.HistoryRepository, archive ArchiveLister, auth service.AuthService, dataRoot string) *Handler {
	return &Handler{
		downloads: downloads,
		history:   history,
		archive:   archive,
		auth:      auth,
		dataRoot:  dataRoot,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.GET("/health", h.health)
		api.POST("/auth/login", h.login)
	}

	protected := api.Group("")
	protected.Use(h.authMiddleware())
	{
		protected.POST("/downloads", h.createDownload)
		protected.GET("/downloads", h.listDownloads)
		protected.GET("/downloads/:id", h.getDownload)
		protected.DELETE("/downloads/:id", h.deleteDownload)
		protected.GET("/history", h.listHistory)
		protected.GET("/archive/objects", h.listObjects)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "downloadPath": h.dataRoot})
}

type createDownloadRequest struct {
	Magnet     string `json:"magnet"`
	TorrentURL string `json:"torrentUrl"`
	Title      string `json:"title"`
}

func (h *Handler) createDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.downloads.Submit(c.Request.Context(), req.Magnet, req.TorrentURL, req.Title)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidReference) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Magnet link or torrent URL is required"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":    true,
		"downloadId": id,
		"message":    "Download started",
	})
}

func (h *Handler) listDownloads(c *gin.Context) {
	tasks := h.downloads.List()
	resp := make([]DownloadResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, gin.H{"downloads": resp})
}

func (h *Handler) getDownload(c *gin.Context) {
	task, err := h.downloads.Get(c.Param("id"))
	if err != nil {
		writeTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"download": taskToResponse(task)})
}

func (h *Handler) deleteDownload(c *gin.Context) {
	deleteFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}

	task, err := h.downloads.Get(c.Param("id"))
	if err != nil {
		writeTaskError(c, err)
		return
	}
	if err := h.downloads.Remove(c.Request.Context(), task.ID); err != nil {
		writeTaskError(c, err)
		return
	}

	resp := gin.H{"success": true, "message": "Download stopped and removed"}
	if deleteFiles {
		if warning := h.cleanupLocalData(task); warning != "" {
			resp["warnings"] = []string{warning}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	entries, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]HistoryResponse, len(entries))
	for i := range entries {
		resp[i] = HistoryResponse{
			DownloadResponse: taskToResponse(entries[i].Task),
			RecordedAt:       entries[i].RecordedAt.Format(time.RFC3339),
			RemovedAt:        formatTime(entries[i].RemovedAt),
		}
	}
	c.JSON(http.StatusOK, gin.H{"history": resp})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive storage is not configured"})
		return
	}

	objects, err := h.archive.List(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"objects": objects})
}

// cleanupLocalData removes the task directory when it lives strictly below the data root.
func (h *Handler) cleanupLocalData(task domain.Task) string {
	root := filepath.Clean(h.dataRoot)
	clean := filepath.Clean(task.Path)
	if task.Path == "" || root == "" {
		return ""
	}
	if rel, err := filepath.Rel(root, clean); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Sprintf("refusing to remove %s outside %s", clean, root)
	}
	if err := os.RemoveAll(clean); err != nil && !os.IsNotExist(err) {
		return fmt.Sprintf("remove local data %s: %v", clean, err)
	}
	return ""
}

func writeTaskError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Download not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

type DownloadResponse struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Status          domain.TaskStatus `json:"status"`
	Progress        float64           `json:"progress"`
	DownloadSpeed   int64             `json:"downloadSpeed"`
	UploadSpeed     int64             `json:"uploadSpeed"`
	Downloaded      int64             `json:"downloaded"`
	Total           int64             `json:"total"`
	NumPeers        int               `json:"numPeers"`
	Path            string            `json:"path"`
	Backend         string            `json:"backend,omitempty"`
	ArchiveLocation string            `json:"archiveLocation,omitempty"`
	Error           string            `json:"error,omitempty"`
	StartedAt       string            `json:"startedAt"`
	CompletedAt     *string           `json:"completedAt,omitempty"`
}

type HistoryResponse struct {
	DownloadResponse
	RecordedAt string  `json:"recordedAt"`
	RemovedAt  *string `json:"removedAt,omitempty"`
}

func taskToResponse(task domain.Task) DownloadResponse {
	return DownloadResponse{
		ID:              task.ID,
		Title:           task.Title,
		Status:          task.Status,
		Progress:        task.Progress,
		DownloadSpeed:   task.DownloadSpeed,
		UploadSpeed:     task.UploadSpeed,
		Downloaded:      task.DownloadedBytes,
		Total:           task.TotalBytes,
		NumPeers:        task.Peers,
		Path:            task.Path,
		Backend:         task.Backend,
		ArchiveLocation: task.ArchiveLocation,
		Error:           task.Error,
		StartedAt:       task.StartedAt.Format(time.RFC3339),
		CompletedAt:     formatTime(task.CompletedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}
