package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/jjenkins/billsync/internal/model"
	"github.com/jjenkins/billsync/internal/store"
)

// RecordReader lists and fetches records
type RecordReader interface {
	List(ctx context.Context, f store.ListFilter) ([]model.LegislativeRecord, int, error)
	Get(ctx context.Context, jurisdiction, externalID string) (*model.LegislativeRecord, error)
}

type enrichmentResponse struct {
	Summary         string    `json:"summary"`
	TalkingPoints   []string  `json:"talking_points"`
	BusinessImpact  string    `json:"business_impact"`
	Category        string    `json:"category"`
	ProducerVersion int       `json:"producer_version"`
	EnrichedAt      time.Time `json:"enriched_at"`
}

type recordResponse struct {
	ExternalID      string              `json:"external_id"`
	Jurisdiction    string              `json:"jurisdiction"`
	SessionID       string              `json:"session_id"`
	Number          string              `json:"number"`
	RecordType      string              `json:"record_type"`
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	URL             string              `json:"url,omitempty"`
	Status          model.Status        `json:"status"`
	LastActionDate  *string             `json:"last_action_date"`
	NeedsEnrichment bool                `json:"needs_enrichment"`
	Enrichment      *enrichmentResponse `json:"enrichment,omitempty"`
	LastSyncedAt    time.Time           `json:"last_synced_at"`
}

type listResponse struct {
	Records []recordResponse `json:"records"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

func toRecordResponse(r *model.LegislativeRecord) recordResponse {
	resp := recordResponse{
		ExternalID:      r.ExternalID,
		Jurisdiction:    r.Jurisdiction,
		SessionID:       r.SessionID,
		Number:          r.Number,
		RecordType:      r.RecordType,
		Title:           r.Title,
		Description:     r.Description,
		URL:             r.URL,
		Status:          r.Status,
		NeedsEnrichment: r.NeedsEnrichment,
		LastSyncedAt:    r.LastSyncedAt,
	}
	if r.LastActionDate.Valid {
		d := r.LastActionDate.Time.Format(time.DateOnly)
		resp.LastActionDate = &d
	}
	if e := r.Enrichment; e != nil {
		resp.Enrichment = &enrichmentResponse{
			Summary:         e.Summary,
			TalkingPoints:   e.TalkingPoints,
			BusinessImpact:  e.BusinessImpact,
			Category:        e.Category,
			ProducerVersion: e.ProducerVersion,
			EnrichedAt:      e.EnrichedAt,
		}
	}
	return resp
}

func RecordsHandler(records RecordReader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		filter := store.ListFilter{
			Jurisdiction: c.Query("jurisdiction"),
			SortBy:       c.Query("sort", "synced"),
			Order:        c.Query("order", "desc"),
			Limit:        c.QueryInt("limit", 50),
			Offset:       c.QueryInt("offset", 0),
		}
		if s := c.Query("status"); s != "" {
			status := model.Status(strings.ToLower(s))
			if !status.Valid() {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown status " + s})
			}
			filter.Status = status
		}
		if filter.Limit <= 0 || filter.Limit > 500 {
			filter.Limit = 50
		}
		filter.Offset = max(filter.Offset, 0)

		list, total, err := records.List(c.UserContext(), filter)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "error loading records"})
		}

		resp := listResponse{
			Records: make([]recordResponse, 0, len(list)),
			Total:   total,
			Limit:   filter.Limit,
			Offset:  filter.Offset,
		}
		for i := range list {
			resp.Records = append(resp.Records, toRecordResponse(&list[i]))
		}
		return c.JSON(resp)
	}
}

func RecordDetailHandler(records RecordReader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		jurisdiction := strings.ToUpper(c.Params("jurisdiction"))
		externalID := c.Params("externalId")

		record, err := records.Get(c.UserContext(), jurisdiction, externalID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "error loading record"})
		}
		if record == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "record not found"})
		}
		return c.JSON(toRecordResponse(record))
	}
}
