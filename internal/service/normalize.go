package service

import (
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jjenkins/billsync/internal/model"
)

// dateLayouts are the action date formats seen from the source, most common first.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// normalizeRaw trims identity fields so records key consistently
func normalizeRaw(r model.RawRecord) model.RawRecord {
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	r.Jurisdiction = strings.ToUpper(strings.TrimSpace(r.Jurisdiction))
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.StatusCode = strings.TrimSpace(r.StatusCode)
	r.LastActionDate = strings.TrimSpace(r.LastActionDate)
	return r
}

// collapseWhitespace folds runs of whitespace into single spaces
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes cuts s to at most n characters without splitting a rune
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// parseActionDate parses a remote action date. Empty and zero dates are null;
// ok is false only for a non-empty value no layout accepts.
func parseActionDate(s string) (d sql.NullTime, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return sql.NullTime{}, true
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			y, m, day := t.Date()
			return sql.NullTime{Time: time.Date(y, m, day, 0, 0, 0, 0, time.UTC), Valid: true}, true
		}
	}
	return sql.NullTime{}, false
}

// sameDay compares two nullable dates at day precision
func sameDay(a, b sql.NullTime) bool {
	if a.Valid != b.Valid {
		return false
	}
	if !a.Valid {
		return true
	}
	ay, am, ad := a.Time.Date()
	by, bm, bd := b.Time.Date()
	return ay == by && am == bm && ad == bd
}

func normalizeRecordType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eo", "executive_order", "executive order":
		return model.RecordTypeExecutiveOrder
	default:
		return model.RecordTypeBill
	}
}

// buildRecord turns a classified remote record into the row the upserter writes.
// classify has already replaced an unparseable date with the stored one.
func buildRecord(c ClassifiedRecord, syncedAt time.Time) *model.LegislativeRecord {
	raw := c.Raw
	lastAction, _ := parseActionDate(raw.LastActionDate)

	return &model.LegislativeRecord{
		ExternalID:      raw.ExternalID,
		Jurisdiction:    strings.ToUpper(raw.Jurisdiction),
		SessionID:       raw.SessionID,
		Number:          collapseWhitespace(raw.Number),
		RecordType:      normalizeRecordType(raw.RecordType),
		Title:           truncateRunes(collapseWhitespace(raw.Title), model.MaxTitleLength),
		Description:     truncateRunes(collapseWhitespace(raw.Description), model.MaxDescriptionLength),
		URL:             strings.TrimSpace(raw.URL),
		Status:          c.Status,
		LastActionDate:  lastAction,
		NeedsEnrichment: true,
		LastSyncedAt:    syncedAt,
	}
}

// mergeDetail overlays a detail response on the listing entry. Identity, page
// and the fields classification compares (status code and last action date)
// come from the listing, so the next pass sees the same values it stored.
// Empty detail fields keep the listing value.
func mergeDetail(listing, detail model.RawRecord) model.RawRecord {
	merged := listing
	pick := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	pick(&merged.Number, detail.Number)
	pick(&merged.RecordType, detail.RecordType)
	pick(&merged.Title, detail.Title)
	pick(&merged.Description, detail.Description)
	pick(&merged.URL, detail.URL)
	return normalizeRaw(merged)
}
