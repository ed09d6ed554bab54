package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/choreo/internal/blueprint"
	"github.com/makeasinger/choreo/internal/generator"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/service"
	"github.com/makeasinger/choreo/pkg/response"
)

type ChoreographyHandler struct {
	service   *service.ChoreographyService
	validator *validator.Validate
}

func NewChoreographyHandler(svc *service.ChoreographyService, v *validator.Validate) *ChoreographyHandler {
	return &ChoreographyHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/choreography/start
// @Summary      Start choreography task
// @Description  Generate a blueprint for the song and queue its execution
// @Tags         Choreography
// @Accept       json
// @Produce      json
// @Param        request body model.ChoreographyStartRequest true "Choreography start request"
// @Success      202 {object} model.ChoreographyStartResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/choreography/start [post]
func (h *ChoreographyHandler) Start(c *fiber.Ctx) error {
	var req model.ChoreographyStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.UserContext(), &req)
	if err != nil {
		var verrs blueprint.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			return response.InvalidBlueprint(c, verrs.Issues())
		case errors.Is(err, generator.ErrInvalidRequest):
			return response.ValidationError(c, err.Error(), nil)
		case errors.Is(err, generator.ErrEmptyCorpus):
			return response.NoMoves(c, "No moves are available to build a choreography")
		}
		return response.ServiceError(c, "Failed to start choreography")
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/choreography/status/:taskId
// @Summary      Get choreography task status
// @Tags         Choreography
// @Produce      json
// @Param        taskId path string true "Task ID"
// @Success      200 {object} model.ChoreographyTask
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/choreography/status/{taskId} [get]
func (h *ChoreographyHandler) Status(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), taskID)
	if err != nil {
		return taskError(c, err)
	}

	return response.OK(c, result)
}

// Result handles GET /api/choreography/result/:taskId
// @Summary      Get choreography result
// @Tags         Choreography
// @Produce      json
// @Param        taskId path string true "Task ID"
// @Success      200 {object} model.ChoreographyResultResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/choreography/result/{taskId} [get]
func (h *ChoreographyHandler) Result(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.GetResult(c.UserContext(), taskID)
	if err != nil {
		return taskError(c, err)
	}

	return response.OK(c, result)
}

// Blueprint handles GET /api/choreography/blueprint/:taskId
func (h *ChoreographyHandler) Blueprint(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	raw, err := h.service.GetBlueprint(c.UserContext(), taskID)
	if err != nil {
		return taskError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(raw)
}

// Cancel handles POST /api/choreography/cancel/:taskId
// @Summary      Cancel choreography task
// @Description  Pending tasks are cancelled at once; running tasks stop at the next phase boundary
// @Tags         Choreography
// @Produce      json
// @Param        taskId path string true "Task ID"
// @Success      200 {object} model.ChoreographyCancelResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/choreography/cancel/{taskId} [post]
func (h *ChoreographyHandler) Cancel(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.Cancel(c.UserContext(), taskID)
	if err != nil {
		return taskError(c, err)
	}

	return response.OK(c, result)
}

func taskError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		return response.NotFound(c, "Task not found")
	case errors.Is(err, service.ErrTaskNotCompleted):
		return response.ValidationError(c, "Task not completed yet", nil)
	case errors.Is(err, service.ErrTaskFinished):
		return response.Conflict(c, "Task already finished")
	}
	return response.ServiceError(c, "Failed to read task")
}
