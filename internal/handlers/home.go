package handlers

import (
	"context"

	"github.com/a-h/templ"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/jjenkins/billsync/internal/logging"
	"github.com/jjenkins/billsync/internal/model"
	"github.com/jjenkins/billsync/internal/store"
	"github.com/jjenkins/billsync/internal/templates"
)

// DashboardReader is what the home page needs from storage
type DashboardReader interface {
	GetTotals(ctx context.Context) (store.Totals, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// CursorLister lists sync progress
type CursorLister interface {
	List(ctx context.Context) ([]model.SyncCursor, error)
}

func HomeHandler(records DashboardReader, cursors CursorLister) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		log := logging.Component("dashboard")

		metrics := templates.HomeMetrics{}

		totals, err := records.GetTotals(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Error loading record totals")
		} else {
			metrics.TotalRecords = totals.Records
			metrics.NeedsEnrichment = totals.NeedsEnrichment
			metrics.Enriched = totals.Enriched
			metrics.Jurisdictions = totals.Jurisdictions
			metrics.HasData = totals.Records > 0
		}

		if metrics.HasData {
			byStatus, err := records.CountByStatus(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Error counting records by status")
			} else {
				metrics.ByStatus = byStatus
			}

			list, err := cursors.List(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Error loading sync cursors")
			} else {
				metrics.Cursors = list
			}
		}

		page := templates.Home(metrics)
		handler := adaptor.HTTPHandler(templ.Handler(page))

		return handler(c)
	}
}
