package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck probes one dependency for the /health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RegisterRoutes wires the admin surface onto app.
func RegisterRoutes(app *fiber.App, h *Handler, checks ...HealthCheck) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		results := map[string]string{}
		status := "ok"
		code := fiber.StatusOK

		for _, hc := range checks {
			results[hc.Name] = "ok"
			healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := hc.Check(healthCtx); err != nil {
				results[hc.Name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
			}
			cancel()
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	})

	// API routes
	v1 := app.Group("/api/v1")
	v1.Get("/status", h.Status)
	v1.Post("/poll", h.TriggerPoll)
	v1.Get("/offers", h.Offers)
	v1.Post("/offers/:id/cancel", h.CancelOffer)
	v1.Get("/confirmations", h.Confirmations)
	v1.Post("/confirmations/cancel-all", h.CancelAllConfirmations)
	v1.Get("/trades/:id", h.Trade)
}
