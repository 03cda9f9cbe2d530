package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/subsync/app/controllers"
)

// OpsRouter serves health, Prometheus metrics, subscription stats and the
// fiber monitor. Stats and monitor are behind basic auth when credentials
// are given.
type OpsRouter struct {
	health       *controllers.HealthController
	stats        *controllers.StatsController
	monitorUsers map[string]string
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.health.HandleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	guard := func(c *fiber.Ctx) error { return c.Next() }
	if len(h.monitorUsers) > 0 {
		guard = basicauth.New(basicauth.Config{Users: h.monitorUsers})
	}
	app.Get("/monitor", guard, monitor.New())
	if h.stats != nil {
		app.Get("/stats", guard, h.stats.HandleStats)
	}
}

func NewOpsRouter(health *controllers.HealthController, stats *controllers.StatsController, monitorUsers map[string]string) *OpsRouter {
	return &OpsRouter{health: health, stats: stats, monitorUsers: monitorUsers}
}
