package server

import (
	"io/fs"
	"net/http"
	"strings"

	"github.com/runpad/runpad/web"
)

// spaHandler serves the embedded viewer. Paths that match an embedded
// file are served as-is; anything else falls back to index.html so the
// viewer owns its own routing. API paths never fall through to the
// viewer: an unknown /api route is a 404, not a page of HTML.
func spaHandler() http.Handler {
	dist, _ := fs.Sub(web.Assets, "dist")
	fileServer := http.FileServer(http.FS(dist))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/")
		if f, err := dist.Open(name); err == nil {
			f.Close()
			fileServer.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
