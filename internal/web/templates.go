package web

import (
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nugget/homesim/internal/buildinfo"
	"github.com/nugget/homesim/internal/dashboard"
)

//go:embed templates/*.html
var templateFiles embed.FS

// templateFuncs provides helper functions available in all templates.
var templateFuncs = template.FuncMap{
	"ago":     ago,
	"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}

// loadTemplates parses the layout and each page template. Each page is
// a clone of the layout with its blocks overridden. Panics on syntax
// errors so that startup fails fast.
func loadTemplates() map[string]*template.Template {
	layout := template.Must(
		template.New("layout.html").Funcs(templateFuncs).ParseFS(templateFiles, "templates/layout.html"),
	)

	pages := []string{"dashboard.html"}
	result := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		t := template.Must(layout.Clone())
		template.Must(t.ParseFS(templateFiles, "templates/"+page))
		result[page] = t
	}
	return result
}

// render executes a named page template within the layout.
func (s *Server) render(w http.ResponseWriter, name string, data any) {
	t, ok := s.templates[name]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := t.ExecuteTemplate(w, "layout.html", data); err != nil {
		s.logger.Error("template render failed", "template", name, "error", err)
	}
}

// ago renders a timestamp as "3 seconds ago", or "never" for the zero
// time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// PageData is the template context for the dashboard page.
type PageData struct {
	Snapshot dashboard.Snapshot
	Build    map[string]string
	Uptime   time.Duration
}

// handleDashboard renders the page at "/". Only exact "/" requests get
// the dashboard; all other paths return 404.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.render(w, "dashboard.html", PageData{
		Snapshot: s.model.Snapshot(),
		Build:    buildinfo.BuildInfo(),
		Uptime:   buildinfo.Uptime(),
	})
}
