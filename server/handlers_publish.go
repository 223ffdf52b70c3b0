package server

import (
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/enskill/enskill-server/publish"
)

// Publish payloads carry whole file sets; bound the body rather than trust
// the client.
const maxPublishBodyBytes = 25 << 20

// PublishHandler validates the payload, authenticates the bearer token, and
// runs the publish pipeline. Validation and auth failures are decided
// before any GitHub call is made.
func (s *Server) PublishHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		access, err := s.sessions.ResolveAccessSession(r.Context(), bearerToken(r))
		if err != nil {
			log.Err(err).Msg("Failed to resolve access session")
			jsonError(w, "failed to resolve session", http.StatusInternalServerError)
			return
		}
		if access == nil {
			jsonError(w, "Unauthorized. Missing or expired bearer token.", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBodyBytes))
		if err != nil {
			jsonError(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		request, err := publish.ParsePublishRequest(body)
		if err != nil {
			jsonError(w, err.Error(), errorStatus(err))
			return
		}

		result, err := s.pipeline.Publish(r.Context(), request, access.Login)
		if err != nil {
			log.Err(err).
				Str("skill", request.SkillName).
				Str("repo", request.Owner+"/"+request.Repo).
				Msg("Publish pipeline failed")
			jsonError(w, err.Error(), errorStatus(err))
			return
		}

		log.Info().
			Str("skill", request.SkillName).
			Str("branch", result.BranchName).
			Str("pull_request", result.PullRequestURL).
			Str("submitted_by", access.Login).
			Msg("Skill published")
		writeJSON(w, http.StatusOK, result)
	}
}
