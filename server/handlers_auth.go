package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enskill/enskill-server/session"
)

// AuthStartHandler creates a pending device session and hands the CLI the
// browser URL plus everything it needs to poll.
func (s *Server) AuthStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, err := s.sessions.Start(r.Context())
		if err != nil {
			log.Err(err).Msg("Failed to start device session")
			jsonError(w, "failed to start auth flow", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"authorizeUrl":        s.oauth.AuthorizeURL(start.State),
			"deviceCode":          start.DeviceCode,
			"pollIntervalSeconds": int(start.PollInterval.Seconds()),
			"expiresInSeconds":    int(start.ExpiresIn.Seconds()),
		})
	}
}

// AuthCallbackHandler lands the browser after GitHub consent. It exchanges
// the code for an identity and approves (or denies) the device session tied
// to the state token, then renders a human-readable result page.
func (s *Server) AuthCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		state := strings.TrimSpace(query.Get("state"))
		code := strings.TrimSpace(query.Get("code"))
		oauthError := strings.TrimSpace(query.Get("error"))
		oauthErrorDescription := strings.TrimSpace(query.Get("error_description"))

		if state == "" {
			renderResultPage(w, http.StatusBadRequest, "Authentication failed",
				"Missing state in callback URL.", accentFailure)
			return
		}

		if oauthError != "" {
			if _, err := s.sessions.Deny(r.Context(), state); err != nil {
				log.Err(err).Msg("Failed to deny device session")
			}
			message := oauthErrorDescription
			if message == "" {
				message = "GitHub authorization was canceled or denied."
			}
			renderResultPage(w, http.StatusBadRequest, "Authentication canceled", message, accentWarning)
			return
		}

		if code == "" {
			renderResultPage(w, http.StatusBadRequest, "Authentication failed",
				"Missing OAuth code in callback URL.", accentFailure)
			return
		}

		userToken, err := s.oauth.ExchangeCode(r.Context(), code)
		if err != nil {
			s.failCallback(w, r, state, err)
			return
		}
		login, err := s.oauth.FetchLogin(r.Context(), userToken)
		if err != nil {
			s.failCallback(w, r, state, err)
			return
		}

		approved, err := s.sessions.Approve(r.Context(), state, login, userToken)
		if err != nil {
			s.failCallback(w, r, state, err)
			return
		}
		if !approved {
			renderResultPage(w, http.StatusBadRequest, "Session expired",
				"The CLI auth session has expired. Run `enskill login` again from your terminal.", accentWarning)
			return
		}

		renderResultPage(w, http.StatusOK, "Authentication complete",
			"You are signed in as @"+login+". You can now return to your terminal.", accentSuccess)
	}
}

// failCallback denies the pending session so the poller learns promptly,
// then renders the failure page.
func (s *Server) failCallback(w http.ResponseWriter, r *http.Request, state string, cause error) {
	log.Err(cause).Msg("GitHub authentication failed")
	if _, err := s.sessions.Deny(r.Context(), state); err != nil {
		log.Err(err).Msg("Failed to deny device session")
	}
	renderResultPage(w, http.StatusInternalServerError, "Authentication failed", cause.Error(), accentFailure)
}

// AuthPollHandler reports the state of a device flow to the polling CLI.
func (s *Server) AuthPollHandler() http.HandlerFunc {
	type pollBody struct {
		DeviceCode string `json:"deviceCode"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var body pollBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "request body must be valid JSON", http.StatusBadRequest)
			return
		}
		deviceCode := strings.TrimSpace(body.DeviceCode)
		if deviceCode == "" {
			jsonError(w, "'deviceCode' is required", http.StatusBadRequest)
			return
		}

		result, err := s.sessions.Poll(r.Context(), deviceCode)
		if err != nil {
			log.Err(err).Msg("Failed to poll device session")
			jsonError(w, "failed to poll auth flow", http.StatusInternalServerError)
			return
		}

		switch result.Status {
		case session.PollApproved:
			writeJSON(w, http.StatusOK, map[string]any{
				"status":      string(session.PollApproved),
				"accessToken": result.AccessToken,
				"githubLogin": result.Login,
				"expiresAt":   result.ExpiresAt.UTC().Format(time.RFC3339),
			})
		case session.PollPending, session.PollDenied, session.PollExpired:
			writeJSON(w, http.StatusOK, map[string]string{"status": string(result.Status)})
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": string(session.PollExpired)})
		}
	}
}

// AuthSessionHandler tells a bearer-token holder who they are.
func (s *Server) AuthSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		access, err := s.sessions.ResolveAccessSession(r.Context(), bearerToken(r))
		if err != nil {
			log.Err(err).Msg("Failed to resolve access session")
			jsonError(w, "failed to resolve session", http.StatusInternalServerError)
			return
		}
		if access == nil {
			jsonError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"githubLogin":   access.Login,
		})
	}
}

// AuthLogoutHandler revokes the session behind a device token.
func (s *Server) AuthLogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceToken := strings.TrimSpace(r.URL.Query().Get("deviceToken"))
		if deviceToken == "" {
			jsonError(w, "Missing device token.", http.StatusBadRequest)
			return
		}

		if err := s.sessions.Revoke(r.Context(), deviceToken); err != nil {
			log.Err(err).Msg("Failed to revoke session")
			jsonError(w, "failed to logout", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully."})
	}
}
