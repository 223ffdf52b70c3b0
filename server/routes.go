package server

import "net/http"

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("POST "+RouteAuthStart, ChainMiddleware(s.AuthStartHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("GET "+RouteAuthCallback, ChainMiddleware(s.AuthCallbackHandler(), s.HTMLMiddleware()...))
	s.RegisterRouteFunc("POST "+RouteAuthPoll, ChainMiddleware(s.AuthPollHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("GET "+RouteAuthSession, ChainMiddleware(s.AuthSessionHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("POST "+RouteAuthLogout, ChainMiddleware(s.AuthLogoutHandler(), s.APIMiddleware()...))
	s.RegisterRouteFunc("POST "+RoutePublish, ChainMiddleware(s.PublishHandler(), s.APIMiddleware()...))
}

// APIMiddleware is the chain for JSON endpoints.
func (s *Server) APIMiddleware() []func(http.HandlerFunc) http.HandlerFunc {
	return []func(http.HandlerFunc) http.HandlerFunc{
		s.RequestIDMiddleware,
		s.LoggingMiddleware,
		s.RecoverMiddleware,
	}
}

// HTMLMiddleware is the chain for the browser-facing callback page.
func (s *Server) HTMLMiddleware() []func(http.HandlerFunc) http.HandlerFunc {
	return []func(http.HandlerFunc) http.HandlerFunc{
		s.RequestIDMiddleware,
		s.LoggingMiddleware,
		s.RecoverMiddleware,
		s.FrameSecurityMiddleware,
	}
}
