package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/choreo/internal/middleware"
	ws "github.com/makeasinger/choreo/internal/websocket"
)

// Routes collects what RegisterRoutes mounts.
type Routes struct {
	Health       *HealthHandler
	Auth         *AuthHandler
	Choreography *ChoreographyHandler
	Blueprint    *BlueprintHandler
	Hub          *ws.Hub

	// Guard authenticates /api and /ws requests.
	Guard       fiber.Handler
	RateLimiter *middleware.RateLimiter

	GeneratePerHour int
	ValidatePerMin  int
}

// RegisterRoutes mounts the HTTP and WebSocket surface on app.
func RegisterRoutes(app *fiber.App, r Routes) {
	app.Get("/health", r.Health.Health)
	app.Get("/auth/verify", r.Auth.Verify)

	api := app.Group("/api", r.Guard)

	choreo := api.Group("/choreography")
	choreo.Post("/start", r.RateLimiter.GenerateLimit(r.GeneratePerHour), r.Choreography.Start)
	choreo.Get("/status/:taskId", r.Choreography.Status)
	choreo.Get("/result/:taskId", r.Choreography.Result)
	choreo.Get("/blueprint/:taskId", r.Choreography.Blueprint)
	choreo.Post("/cancel/:taskId", r.Choreography.Cancel)

	api.Post("/blueprints/validate", r.RateLimiter.ValidateLimit(r.ValidatePerMin), r.Blueprint.Validate)

	if r.Hub == nil {
		return
	}
	app.Use("/ws", bearerFromQuery, r.Guard, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/tasks/:taskId", websocket.New(func(c *websocket.Conn) {
		r.Hub.HandleConnection(c, c.Params("taskId"))
	}))
}

// bearerFromQuery lets browser websocket clients, which cannot set headers,
// pass their token as ?token=.
func bearerFromQuery(c *fiber.Ctx) error {
	if tok := c.Query("token"); tok != "" && c.Get(fiber.HeaderAuthorization) == "" {
		c.Request().Header.Set(fiber.HeaderAuthorization, "Bearer "+tok)
	}
	return c.Next()
}
