// Package dashboard serves the Boundary API's operator dashboard: a static
// single-page UI for browsing policy bundles, rule hit counts, and recent
// decisions (spec §4.I, "Dashboard").
package dashboard

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
)

//go:embed all:static
var staticFiles embed.FS

// Handler serves the dashboard's embedded static assets.
type Handler struct {
	fileServer http.Handler
}

// New builds the dashboard handler, logging the embedded asset count at
// startup so a missing build step (an empty static/ directory) is obvious
// from the boot log rather than a silent 404 on first request.
func New() *Handler {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		slog.Error("dashboard: failed to open embedded static assets", "error", err)
	}

	var assetCount int
	fs.WalkDir(staticFS, ".", func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			assetCount++
		}
		return nil
	})
	slog.Info("dashboard assets embedded", "count", assetCount)

	return &Handler{
		fileServer: http.FileServer(http.FS(staticFS)),
	}
}

// ServeHTTP serves the dashboard's single-page app: every route that isn't
// a known static asset falls back to index.html so client-side routing
// (bundle list, decision log view) works on a hard refresh.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/", "", "/index.html":
		h.serveIndex(w)
	default:
		h.fileServer.ServeHTTP(w, r)
	}
}

func (h *Handler) serveIndex(w http.ResponseWriter) {
	content, err := staticFiles.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "dashboard not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}
