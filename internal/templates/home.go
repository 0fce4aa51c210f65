// Package templates renders the dashboard pages.
package templates

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/a-h/templ"

	"github.com/jjenkins/billsync/internal/model"
)

// HomeMetrics holds the numbers shown on the home page
type HomeMetrics struct {
	HasData         bool
	TotalRecords    int
	NeedsEnrichment int
	Enriched        int
	Jurisdictions   int
	ByStatus        map[model.Status]int
	Cursors         []model.SyncCursor
}

// Home renders the dashboard home page.
func Home(m HomeMetrics) templ.Component {
	return Layout("Legislative Sync", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if !m.HasData {
			_, err := io.WriteString(w, `<section class="empty"><p>No records yet. Run <code>billsync sync</code> to import legislation.</p></section>`)
			return err
		}

		if _, err := fmt.Fprintf(w, `<section class="cards">%s%s%s%s</section>`,
			card("Records", m.TotalRecords),
			card("Jurisdictions", m.Jurisdictions),
			card("Awaiting summary", m.NeedsEnrichment),
			card("Summarized", m.Enriched),
		); err != nil {
			return err
		}

		if _, err := io.WriteString(w, `<section><h2>By status</h2><table><thead><tr><th>Status</th><th>Records</th></tr></thead><tbody>`); err != nil {
			return err
		}
		for _, s := range model.Statuses {
			if _, err := fmt.Fprintf(w, `<tr><td>%s</td><td>%d</td></tr>`, templ.EscapeString(string(s)), m.ByStatus[s]); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, `</tbody></table></section>`); err != nil {
			return err
		}

		return syncTable(m.Cursors).Render(ctx, w)
	}))
}

func syncTable(cursors []model.SyncCursor) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		if len(cursors) == 0 {
			return nil
		}
		if _, err := io.WriteString(w, `<section><h2>Sync progress</h2><table><thead><tr><th>Jurisdiction</th><th>Session</th><th>Page</th><th>Last completed</th></tr></thead><tbody>`); err != nil {
			return err
		}
		for _, c := range cursors {
			page := "done"
			if c.InProgress() {
				page = fmt.Sprintf("%d / %d", c.LastPage, c.TotalPages)
			}
			completed := "never"
			if c.CompletedAt.Valid {
				completed = c.CompletedAt.Time.Format(time.DateTime)
			}
			if _, err := fmt.Fprintf(w, `<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>`,
				templ.EscapeString(c.Jurisdiction),
				templ.EscapeString(c.SessionID),
				page,
				completed,
			); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</tbody></table></section>`)
		return err
	})
}

func card(label string, value int) string {
	return fmt.Sprintf(`<div class="card"><span class="label">%s</span><span class="value">%d</span></div>`, templ.EscapeString(label), value)
}
