package web

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed static/*
var staticFS embed.FS

// StaticHandler serves the embedded dashboard. index.html gets basePath
// injected so the scripts know where the API lives behind a reverse proxy.
func StaticHandler(basePath string) http.Handler {
	sub, _ := fs.Sub(staticFS, "static")
	fileServer := http.FileServerFS(sub)

	indexBytes, _ := fs.ReadFile(sub, "index.html")
	index := renderIndex(string(indexBytes), basePath)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/index.html" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(index))
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

func renderIndex(html, basePath string) string {
	api := ""
	if basePath != "/" && basePath != "" {
		api = basePath
	}
	out := strings.Replace(html,
		"<head>",
		"<head>\n<script>window.__FLEETMON_BASE='"+api+"';</script>",
		1,
	)
	if api != "" {
		prefix := api + "/"
		out = strings.ReplaceAll(out, `href="/css/`, `href="`+prefix+`css/`)
		out = strings.ReplaceAll(out, `src="/js/`, `src="`+prefix+`js/`)
	}
	return out
}
