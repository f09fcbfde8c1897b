package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/index.html
var controlPage embed.FS

// newStaticHandler serves the embedded control page. Only the root path is
// routed here, so FileServer resolves it to index.html.
func newStaticHandler() http.Handler {
	sub, err := fs.Sub(controlPage, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	files := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	})
}
