package admin

import (
	"bytes"
	"embed"
	"encoding/json"
	"html/template"
	"io"
	"slices"
	"time"
)

//go:embed templates/*.html static/*
var content embed.FS

var funcs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.Format(time.RFC3339)
	},
	"prettyJSON": func(raw json.RawMessage) string {
		if len(raw) == 0 {
			return ""
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return string(raw)
		}
		return buf.String()
	},
	"contains": func(list []string, s string) bool {
		return slices.Contains(list, s)
	},
}

// Render renders a page template inside base.html.
func Render(w io.Writer, name string, data any) error {
	tmpl, err := template.New("base.html").Funcs(funcs).
		ParseFS(content, "templates/base.html", "templates/"+name)
	if err != nil {
		return err
	}
	return tmpl.Execute(w, data)
}
