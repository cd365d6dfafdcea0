package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/redact"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/store"
)

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// createSessionResponse is the effective configuration a client will be
// admitted with, plus the ephemeral credential that admits it.
type createSessionResponse struct {
	protocol.SessionConfig
	ClientSecret clientSecret `json:"client_secret"`
}

type listSessionsResponse struct {
	Object string                `json:"object"`
	Data   []store.SessionRecord `json:"data"`
}

type sessionDetail struct {
	store.SessionRecord
	Live *session.Info `json:"live,omitempty"`
}

type deletedSession struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())

	var req protocol.SessionUpdate
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	cfg, err := session.ApplyUpdate(session.DefaultConfig(s.cfg.Model, s.cfg.DefaultVoice), req, s.cfg.Voices, "")
	if err != nil {
		perr := protocol.AsError(err)
		respondError(w, http.StatusBadRequest, perr.Code, perr.Message)
		return
	}

	cred, err := s.credentials.Issue(r.Context(), t.ID, &cfg, s.cfg.CredentialTTL)
	if err != nil {
		log.Printf("httpapi: issue credential failed tenant=%s err=%s", t.ID, redact.Error(err))
		respondError(w, http.StatusInternalServerError, "credential_unavailable", "could not issue a client secret")
		return
	}
	s.metrics.SessionEvents.WithLabelValues("credential_issued").Inc()

	respondJSON(w, http.StatusOK, createSessionResponse{
		SessionConfig: cfg,
		ClientSecret: clientSecret{
			Value:     cred.Value,
			ExpiresAt: cred.ExpiresAt.Unix(),
		},
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())

	filter := store.ListFilter{}
	switch status := store.SessionStatus(strings.TrimSpace(r.URL.Query().Get("status"))); status {
	case "", store.SessionActive, store.SessionEnded:
		filter.Status = status
	default:
		respondError(w, http.StatusBadRequest, "invalid_status", "status must be active or ended")
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	recs, err := s.repo.ListSessions(r.Context(), t.ID, filter)
	if err != nil {
		log.Printf("httpapi: list sessions failed tenant=%s err=%v", t.ID, err)
		respondError(w, http.StatusInternalServerError, "repository_error", "could not list sessions")
		return
	}
	respondJSON(w, http.StatusOK, listSessionsResponse{Object: "list", Data: recs})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	id := chi.URLParam(r, "id")

	rec, err := s.repo.GetSession(r.Context(), t.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		}
		log.Printf("httpapi: get session failed tenant=%s session=%s err=%v", t.ID, id, err)
		respondError(w, http.StatusInternalServerError, "repository_error", "could not load session")
		return
	}
	out := sessionDetail{SessionRecord: rec}
	if c, err := s.sessions.Get(t.ID, id); err == nil {
		info := c.Info()
		out.Live = &info
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	id := chi.URLParam(r, "id")

	err := s.sessions.Terminate(t.ID, id, session.EndDeleted)
	if errors.Is(err, session.ErrNotFound) {
		// Already ended sessions delete idempotently; unknown ids do not.
		if _, err := s.repo.GetSession(r.Context(), t.ID, id); err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		}
	}
	s.metrics.SessionEvents.WithLabelValues("deleted").Inc()
	respondJSON(w, http.StatusOK, deletedSession{ID: id, Object: "realtime.session.deleted", Deleted: true})
}

type revokeRequest struct {
	Value string `json:"value"`
}

type revokedSecret struct {
	Object  string `json:"object"`
	Revoked bool   `json:"revoked"`
}

// handleRevokeClientSecret withdraws an unused client secret. The value
// travels in the body so it never lands in access logs.
func (s *Server) handleRevokeClientSecret(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())

	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	value := strings.TrimSpace(req.Value)
	if !strings.HasPrefix(value, credential.TokenPrefix) {
		respondError(w, http.StatusBadRequest, "invalid_value", "value must be a client secret")
		return
	}

	revoked, err := s.credentials.Revoke(r.Context(), value)
	if err != nil {
		log.Printf("httpapi: revoke credential failed tenant=%s err=%s", t.ID, redact.Error(err))
		respondError(w, http.StatusInternalServerError, "credential_unavailable", "could not revoke the client secret")
		return
	}
	if revoked {
		s.metrics.SessionEvents.WithLabelValues("credential_revoked").Inc()
	}
	respondJSON(w, http.StatusOK, revokedSecret{Object: "realtime.client_secret.revoked", Revoked: revoked})
}
