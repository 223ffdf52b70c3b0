// Package server wires the HTTP surface: the device-auth endpoints the CLI
// polls, the browser-facing OAuth callback, and the authenticated publish
// endpoint.
package server

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/enskill/enskill-server/githubapp"
	"github.com/enskill/enskill-server/internal/config"
	"github.com/enskill/enskill-server/publish"
	"github.com/enskill/enskill-server/session"
)

type Server struct {
	env      string // Environment (e.g., "DEV", "PROD")
	mux      *http.ServeMux
	routes   []string
	config   *config.Config
	sessions *session.Store
	oauth    *githubapp.OAuthExchange
	pipeline *publish.Pipeline
}

func New(cfg *config.Config, sessions *session.Store, oauth *githubapp.OAuthExchange, pipeline *publish.Pipeline) (*Server, error) {
	s := &Server{
		env:      cfg.Env,
		mux:      http.NewServeMux(),
		config:   cfg,
		sessions: sessions,
		oauth:    oauth,
		pipeline: pipeline,
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			log.Info().Str("method", parts[0]).Str("path", parts[1]).Msg("route registered")
		} else {
			log.Info().Str("path", parts[0]).Msg("route registered")
		}
	}
}
