package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	commonmw "nojudge/internal/common/http/middleware"
	"nojudge/internal/common/mq"
	"nojudge/internal/judge/model"
	"nojudge/internal/judge/service"
	pkgerrors "nojudge/pkg/errors"
	"nojudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthTimeout = 2 * time.Second

// StatusReader returns the latest status snapshot of a submission.
type StatusReader interface {
	Get(ctx context.Context, submissionID string) (model.JudgeStatus, error)
}

// JobLister lists submissions being judged by this worker.
type JobLister interface {
	InFlight() []service.InFlightJob
}

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// JudgeController serves the worker's HTTP surface.
type JudgeController struct {
	statuses StatusReader
	jobs     JobLister
	queue    mq.Producer
	topic    string
	checks   []HealthCheck
}

// NewJudgeController creates a new controller. statuses and queue may be nil,
// in which case the endpoints that need them answer 503.
func NewJudgeController(statuses StatusReader, jobs JobLister, queue mq.Producer, topic string, checks ...HealthCheck) *JudgeController {
	return &JudgeController{statuses: statuses, jobs: jobs, queue: queue, topic: topic, checks: checks}
}

// NewRouter builds the gin engine with the access log and trace middleware.
func NewRouter(h *JudgeController, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1/judge")
	api.GET("/jobs", h.ListJobs)
	api.POST("/jobs", h.Enqueue)
	api.GET("/jobs/:id", h.GetStatus)
	return router
}

// Health reports ok only when every dependency answers.
func (h *JudgeController) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	failed := map[string]string{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			failed[check.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListJobs returns the in-flight submissions, oldest first.
func (h *JudgeController) ListJobs(c *gin.Context) {
	jobs := h.jobs.InFlight()
	response.Success(c, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetStatus returns status for one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID := strings.TrimSpace(c.Param("id"))
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	if h.statuses == nil {
		response.ServiceUnavailable(c, "status cache is not configured")
		return
	}
	status, err := h.statuses.Get(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Enqueue publishes a judge job for an existing submission.
func (h *JudgeController) Enqueue(c *gin.Context) {
	var req model.JudgeMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	req.SubmissionID = strings.TrimSpace(req.SubmissionID)
	if req.SubmissionID == "" {
		response.Error(c, pkgerrors.ValidationError("submissionId", "required"))
		return
	}
	if h.queue == nil || h.topic == "" {
		response.ServiceUnavailable(c, "job queue is not configured")
		return
	}
	body, err := json.Marshal(req)
	if err != nil {
		response.Error(c, pkgerrors.Wrap(err, pkgerrors.InvalidParams))
		return
	}
	msg := mq.NewMessage(body)
	msg.ID = req.SubmissionID
	if err := h.queue.Publish(c.Request.Context(), h.topic, msg); err != nil {
		response.Error(c, pkgerrors.Wrapf(err, pkgerrors.QueueError, "enqueue judge job failed"))
		return
	}
	response.Accepted(c, gin.H{"submissionId": req.SubmissionID, "topic": h.topic})
}
