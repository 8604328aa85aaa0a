package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeastudio/api/internal/middleware"
	"github.com/makeastudio/api/internal/model"
	"github.com/makeastudio/api/internal/realtime"
	"github.com/makeastudio/api/pkg/response"
)

// JobService is the orchestrator surface the HTTP layer drives.
type JobService interface {
	Create(ctx context.Context, ownerID string, req *model.CreateJobRequest) (*model.CreateJobResponse, error)
	GetJob(ctx context.Context, jobID, ownerID string) (*model.Job, error)
	ListSteps(ctx context.Context, jobID, ownerID string) ([]*model.Step, error)
	Recover(ctx context.Context, jobID, ownerID string) (*model.RecoverResponse, error)
	Stream(ctx context.Context, jobID, ownerID string, from int64) (*realtime.Subscription, error)
}

type JobHandler struct {
	jobs      JobService
	validator *validator.Validate
}

func NewJobHandler(jobs JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		validator: v,
	}
}

// Create handles POST /api/jobs
// @Summary      Create generation job
// @Description  Queue a still or video generation. Returns once the run is scheduled.
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.CreateJobRequest true "Job request"
// @Success      202 {object} model.CreateJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      402 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [post]
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.jobs.Create(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return writeError(c, err)
	}

	return response.Accepted(c, result)
}

// Get handles GET /api/jobs/:jobId
// @Summary      Get job
// @Description  Current state of a job, including its working variables
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.Job
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.jobs.GetJob(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, job)
}

// Steps handles GET /api/jobs/:jobId/steps
// @Summary      List job steps
// @Description  The job's audit log in sequence order
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {array} model.Step
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/steps [get]
func (h *JobHandler) Steps(c *fiber.Ctx) error {
	steps, err := h.jobs.ListSteps(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	if steps == nil {
		steps = []*model.Step{}
	}
	return response.OK(c, fiber.Map{"jobId": c.Params("jobId"), "steps": steps})
}

// Recover handles POST /api/jobs/:jobId/recover
// @Summary      Recover job
// @Description  Reconcile a job that outlived the provider deadline with its provider job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RecoverResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/recover [post]
func (h *JobHandler) Recover(c *fiber.Ctx) error {
	result, err := h.jobs.Recover(c.UserContext(), c.Params("jobId"), middleware.GetUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, result)
}
