package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"magpie/internal/audit"
	"magpie/internal/constants"
	"magpie/internal/idempotency"
	"magpie/internal/logger"
	"magpie/internal/queue"
	"magpie/pkg/circuitbreaker"
	pkgerrors "magpie/pkg/errors"
)

// Handler exposes the operational API: job inspection and cancellation,
// queue statistics, circuit breaker states and the admission audit log.
type Handler struct {
	store    queue.Store
	breakers *circuitbreaker.Registry
	audit    audit.Recorder
	redis    *redis.Client
	idem     idempotency.Repository
	queues   []string
	logger   logger.Logger
}

func NewHandler(store queue.Store, breakers *circuitbreaker.Registry, recorder audit.Recorder, redisClient *redis.Client, idem idempotency.Repository, queues []string, log logger.Logger) *Handler {
	return &Handler{
		store:    store,
		breakers: breakers,
		audit:    recorder,
		redis:    redisClient,
		idem:     idem,
		queues:   queues,
		logger:   log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.GET("", h.ListJobs)
			jobs.GET("/:id", h.GetJob)
			jobs.POST("/:id/cancel", h.CancelJob)
		}

		v1.GET("/queues/stats", h.QueueStats)
		v1.GET("/breakers", h.ListBreakers)
		v1.GET("/audit/logs", h.ListAuditLogs)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(pkgerrors.ToHTTPStatus(err), pkgerrors.ToErrorResponse(err))
}

// ListJobs godoc
// @Summary      List jobs
// @Description  List jobs, newest first, optionally filtered by queue and status
// @Tags         jobs
// @Produce      json
// @Param        queue   query  string  false  "Queue name"
// @Param        status  query  string  false  "Job status"  Enums(queued, active, retrying, completed, failed, cancelled)
// @Param        limit   query  int     false  "Maximum rows"
// @Success      200  {array}   queue.Job
// @Failure      500  {object}  map[string]interface{}
// @Router       /jobs [get]
func (h *Handler) ListJobs(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)

	jobs, err := h.store.List(c.Request.Context(), queue.ListFilter{
		Queue:  c.Query("queue"),
		Status: queue.Status(c.Query("status")),
		Limit:  limit,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

// GetJob godoc
// @Summary      Get one job
// @Tags         jobs
// @Produce      json
// @Param        id  path  string  true  "Job id"
// @Success      200  {object}  queue.Job
// @Failure      404  {object}  map[string]interface{}
// @Router       /jobs/{id} [get]
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			h.handleError(c, pkgerrors.ErrNotFound.WithDetail("job_id", c.Param("id")))
			return
		}
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob godoc
// @Summary      Cancel a job
// @Description  Cancels a job that has not started yet. Active and terminal jobs cannot be cancelled.
// @Tags         jobs
// @Produce      json
// @Param        id  path  string  true  "Job id"
// @Success      200  {object}  queue.Job
// @Failure      404  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]interface{}
// @Router       /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := h.store.Cancel(ctx, id); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			h.handleError(c, pkgerrors.ErrNotFound.WithDetail("job_id", id))
		case errors.Is(err, queue.ErrInvalidTransition):
			h.handleError(c, pkgerrors.ErrConflict.WithDetail("reason", "job already started or finished"))
		default:
			h.handleError(c, err)
		}
		return
	}

	job, err := h.store.Get(ctx, id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// QueueStats godoc
// @Summary      Per-queue job counts by status
// @Tags         queues
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]interface{}
// @Router       /queues/stats [get]
func (h *Handler) QueueStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats := make(map[string]map[queue.Status]int64, len(h.queues))
	for _, name := range h.queues {
		counts, err := h.store.CountByStatus(ctx, name)
		if err != nil {
			h.handleError(c, err)
			return
		}
		stats[name] = counts
	}

	response := gin.H{"queues": stats}
	if h.idem != nil {
		keys, err := h.idem.KeyCount(ctx, constants.CacheKeyPrefixIdempotency)
		if err != nil {
			h.logger.WarnwCtx(ctx, "Failed to count idempotency keys", "error", err)
		} else {
			response["idempotency_keys"] = keys
		}
	}
	c.JSON(http.StatusOK, response)
}

// ListBreakers godoc
// @Summary      Circuit breaker states
// @Description  This instance's breakers plus the snapshots other instances mirrored into Redis
// @Tags         breakers
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /breakers [get]
func (h *Handler) ListBreakers(c *gin.Context) {
	response := gin.H{
		"local": h.breakers.Snapshots(),
	}

	if h.redis != nil {
		remote, err := h.remoteSnapshots(c.Request.Context())
		if err != nil {
			h.logger.WarnwCtx(c.Request.Context(), "Failed to read remote breaker snapshots", "error", err)
		} else {
			response["instances"] = remote
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) remoteSnapshots(ctx context.Context) (map[string]circuitbreaker.Snapshot, error) {
	snapshots := make(map[string]circuitbreaker.Snapshot)

	iter := h.redis.Scan(ctx, 0, constants.CacheKeyPrefixBreaker+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		body, err := h.redis.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var snap circuitbreaker.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			continue
		}
		snapshots[key] = snap
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// ListAuditLogs godoc
// @Summary      Admission audit log
// @Tags         audit
// @Produce      json
// @Param        source   query  string  false  "Webhook source"
// @Param        outcome  query  string  false  "Admission outcome"
// @Param        limit    query  int     false  "Maximum rows"
// @Success      200  {array}   audit.Entry
// @Failure      500  {object}  map[string]interface{}
// @Router       /audit/logs [get]
func (h *Handler) ListAuditLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	entries, err := h.audit.List(c.Request.Context(), audit.ListFilter{
		Source:  c.Query("source"),
		Outcome: c.Query("outcome"),
		Limit:   limit,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}
