package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

type cursorResponse struct {
	Jurisdiction string     `json:"jurisdiction"`
	SessionID    string     `json:"session_id"`
	LastPage     int        `json:"last_page"`
	TotalPages   int        `json:"total_pages"`
	InProgress   bool       `json:"in_progress"`
	LastRunID    string     `json:"last_run_id"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// SyncStatusHandler reports the cursor of every synced jurisdiction and session
func SyncStatusHandler(cursors CursorLister) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := cursors.List(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "error loading sync cursors"})
		}

		resp := make([]cursorResponse, 0, len(list))
		for _, cur := range list {
			r := cursorResponse{
				Jurisdiction: cur.Jurisdiction,
				SessionID:    cur.SessionID,
				LastPage:     cur.LastPage,
				TotalPages:   cur.TotalPages,
				InProgress:   cur.InProgress(),
				LastRunID:    cur.LastRunID,
				UpdatedAt:    cur.UpdatedAt,
			}
			if cur.CompletedAt.Valid {
				t := cur.CompletedAt.Time
				r.CompletedAt = &t
			}
			resp = append(resp, r)
		}
		return c.JSON(fiber.Map{"cursors": resp})
	}
}

// HealthHandler pings storage
func HealthHandler(ping func(ctx context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		if err := ping(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}
