package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthTimeout = 2 * time.Second

// Pinger is implemented by dependencies that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	checks  map[string]Pinger
	corpus  int
	version string
}

func NewHealthHandler(version string, corpusSize int, checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks, corpus: corpusSize, version: version}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	status := "ok"
	services := fiber.Map{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			services[name] = err.Error()
			status = "degraded"
			continue
		}
		services[name] = "ok"
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":   status,
		"version":  h.version,
		"corpus":   h.corpus,
		"services": services,
	})
}
