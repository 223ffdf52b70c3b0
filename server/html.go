package server

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Accent colors for the callback result card.
const (
	accentSuccess = "#1f9f5d"
	accentWarning = "#cc8a12"
	accentFailure = "#c43d2e"
)

var resultPageTemplate = template.Must(template.New("result").Parse(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>{{.Title}}</title>
    <style>
      body {
        margin: 0;
        min-height: 100vh;
        display: grid;
        place-items: center;
        background: radial-gradient(circle at 20% 10%, #f7f3d6 0%, #ffffff 45%, #d9eef5 100%);
        font-family: 'Avenir Next', 'Segoe UI', sans-serif;
        color: #1c2328;
      }
      .card {
        width: min(560px, calc(100% - 2rem));
        background: rgba(255, 255, 255, 0.9);
        border: 1px solid #d7dde4;
        border-radius: 16px;
        padding: 1.5rem;
        box-shadow: 0 14px 45px rgba(24, 33, 43, 0.12);
      }
      h1 {
        margin: 0 0 0.75rem 0;
        letter-spacing: 0.02em;
      }
      p {
        margin: 0;
        line-height: 1.6;
      }
      .dot {
        display: inline-block;
        width: 0.65rem;
        height: 0.65rem;
        border-radius: 999px;
        background: {{.Accent}};
        margin-right: 0.5rem;
      }
    </style>
  </head>
  <body>
    <main class="card">
      <h1><span class="dot"></span>{{.Title}}</h1>
      <p>{{.Message}}</p>
    </main>
  </body>
</html>`))

type resultPage struct {
	Title   string
	Message string
	Accent  template.CSS
}

// renderResultPage writes the human-facing HTML card the browser lands on
// after the OAuth callback.
func renderResultPage(w http.ResponseWriter, status int, title, message, accent string) {
	w.Header().Set("Content-Type", contentTypeHTML)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := resultPageTemplate.Execute(w, resultPage{Title: title, Message: message, Accent: template.CSS(accent)}); err != nil {
		log.Err(err).Msg("Failed to render result page")
	}
}
