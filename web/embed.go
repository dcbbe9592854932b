// Package web embeds the dashboard shell templates and its static assets.
package web

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Templates parses the page templates.
func Templates() (*template.Template, error) {
	return template.ParseFS(templatesFS, "templates/*.html")
}

// Static returns the asset tree rooted at the static directory, ready to
// be served under /static/.
func Static() (fs.FS, error) {
	return fs.Sub(staticFS, "static")
}
