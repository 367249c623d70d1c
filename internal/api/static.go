package api

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

//go:embed static/index.html
var staticFS embed.FS

// staticHandler serves index.html from dir, or the embedded copy when dir is empty.
func staticHandler(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			page []byte
			err  error
		)
		if dir != "" {
			page, err = os.ReadFile(filepath.Join(dir, "index.html"))
		} else {
			page, err = fs.ReadFile(staticFS, "static/index.html")
		}
		if err != nil {
			http.Error(w, "front-end not available", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
}
