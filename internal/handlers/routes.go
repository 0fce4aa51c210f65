package handlers

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the stores the dashboard reads from
type Deps struct {
	Records interface {
		DashboardReader
		RecordReader
	}
	Cursors CursorLister
	Ping    func(ctx context.Context) error
}

// NewApp builds the dashboard fiber app with every route registered
func NewApp(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:     "Legislative Sync",
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})

	app.Use(logger.New())

	app.Get("/", HomeHandler(deps.Records, deps.Cursors))
	app.Get("/healthz", HealthHandler(deps.Ping))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	api.Get("/records", RecordsHandler(deps.Records))
	api.Get("/records/:jurisdiction/:externalId", RecordDetailHandler(deps.Records))
	api.Get("/sync", SyncStatusHandler(deps.Cursors))

	return app
}
