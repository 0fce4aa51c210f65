package templates

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"
)

const styles = `body{font-family:system-ui,sans-serif;margin:0 auto;max-width:960px;padding:1rem}
.cards{display:flex;gap:1rem}.card{border:1px solid #ddd;border-radius:6px;padding:1rem;flex:1}
.card .label{display:block;color:#666;font-size:.85rem}.card .value{font-size:1.6rem}
table{border-collapse:collapse;width:100%}td,th{border-bottom:1px solid #eee;padding:.4rem;text-align:left}`

// Layout wraps body in the shared page shell.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := fmt.Fprintf(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>%s</title><style>%s</style></head><body><header><h1>%s</h1></header><main>`,
			templ.EscapeString(title), styles, templ.EscapeString(title)); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, `</main></body></html>`)
		return err
	})
}
