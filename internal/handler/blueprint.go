package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/choreo/internal/service"
	"github.com/makeasinger/choreo/pkg/response"
)

type BlueprintHandler struct {
	service *service.ChoreographyService
}

func NewBlueprintHandler(svc *service.ChoreographyService) *BlueprintHandler {
	return &BlueprintHandler{service: svc}
}

// Validate handles POST /api/blueprints/validate. The body is the blueprint
// document itself; every violation is returned, not just the first.
// @Summary      Validate blueprint
// @Tags         Blueprints
// @Accept       json
// @Produce      json
// @Success      200 {object} model.BlueprintValidateResponse
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/blueprints/validate [post]
func (h *BlueprintHandler) Validate(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return response.ValidationError(c, "Request body is required", nil)
	}
	return response.OK(c, h.service.ValidateBlueprint(body))
}
