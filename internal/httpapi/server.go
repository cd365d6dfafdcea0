package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/rtvoice/internal/config"
	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/store"
	"github.com/antoniostano/rtvoice/internal/tenant"
)

// Backends are the services the gateway fronts.
type Backends struct {
	Sessions    *session.Manager
	Credentials *credential.Service
	Tenants     *tenant.Registry
	Repository  store.Repository
	Metrics     *observability.Metrics
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	credentials *credential.Service
	tenants     *tenant.Registry
	repo        store.Repository
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, b Backends) *Server {
	return &Server{
		cfg:         cfg,
		sessions:    b.Sessions,
		credentials: b.Credentials,
		tenants:     b.Tenants,
		repo:        b.Repository,
		metrics:     b.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			Subprotocols:    []string{realtimeSubprotocol},
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive sessions from the serving origin unless
				// the operator opts out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Get("/v1/realtime", s.handleRealtimeWS)
	r.Route("/v1/realtime/sessions", func(r chi.Router) {
		r.Use(s.requireTenant)
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
	})
	r.Route("/v1/realtime/client_secrets", func(r chi.Router) {
		r.Use(s.requireTenant)
		r.Post("/revoke", s.handleRevokeClientSecret)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// A cheap tenant-scoped read proves the repository is reachable.
	if _, err := s.repo.ListSessions(r.Context(), "__readyz__", store.ListFilter{Limit: 1}); err != nil {
		respondError(w, http.StatusServiceUnavailable, "repository_unavailable", "session repository is not reachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"tenants": s.tenants.Len(),
	})
}

type tenantKey struct{}

// requireTenant authenticates the bearer API key of administrative requests.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			respondError(w, http.StatusUnauthorized, "missing_api_key", "an Authorization: Bearer API key is required")
			return
		}
		t, err := s.tenants.Authenticate(key)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_api_key", "the API key is not valid")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, t)))
	})
}

func tenantFrom(ctx context.Context) tenant.Tenant {
	t, _ := ctx.Value(tenantKey{}).(tenant.Tenant)
	return t
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		// A truncated document is io.ErrUnexpectedEOF and stays an error.
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
