// Package api is the REST surface: session and worker lifecycle, repository
// registration, job queue inspection, and webhook ingestion.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ms2sato/agent-console-sub007/internal/agents"
	"github.com/ms2sato/agent-console-sub007/internal/buffer"
	apperrors "github.com/ms2sato/agent-console-sub007/internal/common/errors"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/metrics"
	"github.com/ms2sato/agent-console-sub007/internal/queue"
	"github.com/ms2sato/agent-console-sub007/internal/session"
	"github.com/ms2sato/agent-console-sub007/internal/webhook"
)

// Handlers carries the dependencies the REST routes need.
type Handlers struct {
	sessions *session.Manager
	store    *session.Store
	buffers  *buffer.Store
	registry *agents.Registry
	queue    *queue.Queue
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(
	sessions *session.Manager,
	store *session.Store,
	buffers *buffer.Store,
	registry *agents.Registry,
	q *queue.Queue,
	m *metrics.Metrics,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		sessions: sessions,
		store:    store,
		buffers:  buffers,
		registry: registry,
		queue:    q,
		metrics:  m,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes mounts all REST routes.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	api.GET("/health", h.health)

	api.GET("/sessions", h.listSessions)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions/:id", h.getSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.POST("/sessions/:id/workers", h.addWorker)

	api.GET("/workers/:id", h.getWorker)
	api.DELETE("/workers/:id", h.removeWorker)
	api.POST("/workers/:id/activate", h.activateWorker)
	api.POST("/workers/:id/hibernate", h.hibernateWorker)
	api.GET("/workers/:id/buffer", h.readBuffer)

	api.GET("/repositories", h.listRepositories)
	api.POST("/repositories", h.createRepository)
	api.DELETE("/repositories/:id", h.deleteRepository)

	api.GET("/agents", h.listAgents)

	api.GET("/jobs", h.listJobs)
	api.GET("/jobs/stats", h.jobStats)
	api.GET("/jobs/:id", h.getJob)
	api.POST("/jobs/:id/retry", h.retryJob)
	api.POST("/jobs/:id/cancel", h.cancelJob)

	api.POST("/webhooks/:provider", h.ingestWebhook)

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agent-console"})
}

func (h *Handlers) listSessions(c *gin.Context) {
	sessions, err := h.sessions.ListSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handlers) createSession(c *gin.Context) {
	var req session.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) deleteSession(c *gin.Context) {
	if err := h.sessions.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type addWorkerRequest struct {
	Kind    session.WorkerKind `json:"kind"`
	Name    string             `json:"name"`
	AgentID string             `json:"agentId,omitempty"`
}

func (h *Handlers) addWorker(c *gin.Context) {
	var req addWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	worker, err := h.sessions.AddWorker(c.Request.Context(), c.Param("id"), req.Kind, req.Name, req.AgentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, worker)
}

func (h *Handlers) getWorker(c *gin.Context) {
	worker, err := h.sessions.GetWorker(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}

func (h *Handlers) removeWorker(c *gin.Context) {
	if err := h.sessions.RemoveWorker(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) activateWorker(c *gin.Context) {
	if err := h.sessions.ActivateWorker(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activated": true})
}

func (h *Handlers) hibernateWorker(c *gin.Context) {
	h.sessions.HibernateWorker(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"hibernated": true})
}

func (h *Handlers) readBuffer(c *gin.Context) {
	from, _ := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	max, _ := strconv.Atoi(c.DefaultQuery("max", "65536"))

	data, offset, err := h.buffers.Read(c.Param("id"), from, max)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":   string(data),
		"offset": offset,
	})
}

type createRepositoryRequest struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	RemoteURL     string `json:"remoteUrl,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

func (h *Handlers) createRepository(c *gin.Context) {
	var req createRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Name == "" || req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and path are required"})
		return
	}
	repo, err := h.store.CreateRepository(c.Request.Context(), &session.Repository{
		Name:          req.Name,
		Path:          req.Path,
		RemoteURL:     req.RemoteURL,
		DefaultBranch: req.DefaultBranch,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (h *Handlers) listRepositories(c *gin.Context) {
	repos, err := h.store.ListRepositories(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

func (h *Handlers) deleteRepository(c *gin.Context) {
	if err := h.store.DeleteRepository(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.registry.List()})
}

func (h *Handlers) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	jobs, err := h.queue.List(c.Request.Context(), queue.Status(c.Query("status")), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *Handlers) jobStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handlers) getJob(c *gin.Context) {
	job, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handlers) retryJob(c *gin.Context) {
	if err := h.queue.Retry(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": true})
}

func (h *Handlers) cancelJob(c *gin.Context) {
	if err := h.queue.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// ingestWebhook accepts a raw provider delivery and enqueues it for the
// pipeline. The HTTP response only acknowledges receipt; parsing and
// signature verification happen in the job so a burst of deliveries cannot
// stall the request path.
func (h *Handlers) ingestWebhook(c *gin.Context) {
	provider := c.Param("provider")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for name := range c.Request.Header {
		headers[name] = c.Request.Header.Get(name)
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), webhook.JobType, webhook.JobPayload{
		Provider: provider,
		Headers:  headers,
		Body:     body,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if h.metrics != nil {
		h.metrics.WebhooksIngress.WithLabelValues(provider).Inc()
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// respondError maps application errors onto HTTP statuses.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	h.logger.Error("unhandled api error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
