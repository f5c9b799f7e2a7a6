// Package pages renders the HTML pages shown in the browser at the end of a
// sign-in. Messages shown on the error page must already be generic; the
// pages never display provider or internal detail.
package pages

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/Masterminds/sprig/v3"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(
	template.New("pages").Funcs(sprig.HtmlFuncMap()).ParseFS(templateFS, "templates/*.html"),
)

// Data is the content of a page. Empty fields fall back to defaults.
type Data struct {
	Title    string
	Message  string
	Resource string
}

// SetSecurityHeaders marks the response as non-cacheable and non-embeddable.
func SetSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}

// Success writes the signed-in page.
func Success(w http.ResponseWriter, data Data) {
	render(w, http.StatusOK, "success.html", data)
}

// Error writes the failure page with status.
func Error(w http.ResponseWriter, status int, message string) {
	render(w, status, "error.html", Data{Message: message})
}

func render(w http.ResponseWriter, status int, name string, data Data) {
	SetSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		// Headers are gone; nothing more to send.
		return
	}
}
