package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/redact"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/tenant"
)

const (
	realtimeSubprotocol = "realtime"
	apiKeySubprotocol   = "openai-insecure-api-key."

	// CloseAuthentication is sent instead of any application event when
	// admission fails.
	CloseAuthentication = 4001

	readLimit    = 16 << 20
	pongWait     = 120 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var errAdmission = errors.New("admission rejected")

// admission is what a validated credential grants.
type admission struct {
	tenant tenant.Tenant
	config protocol.SessionConfig
}

func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	token := credentialFromRequest(r)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdmissionTimeout)
	adm, err := s.admit(ctx, token)
	cancel()

	conn, upErr := s.upgrader.Upgrade(w, r, nil)
	if upErr != nil {
		return
	}
	defer conn.Close()

	if err != nil {
		closeWith(conn, CloseAuthentication, "authentication_error: invalid or expired credential")
		return
	}

	c, err := s.sessions.Create(r.Context(), adm.tenant.ID, adm.config, adm.tenant.MaxSessions)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			closeWith(conn, websocket.ClosePolicyViolation, "tenant session limit reached")
			return
		}
		log.Printf("realtime gateway: create session failed tenant=%s err=%s", adm.tenant.ID, redact.Error(err))
		closeWith(conn, websocket.CloseInternalServerErr, "session unavailable")
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	reason := s.serve(r.Context(), conn, c)
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	log.Printf("realtime gateway: session ended session=%s tenant=%s reason=%s", c.ID(), c.TenantID(), reason)
}

// admit resolves token to a tenant and starting configuration. Ephemeral
// credentials are consumed; anything else is treated as a tenant API key.
func (s *Server) admit(ctx context.Context, token string) (admission, error) {
	if token == "" {
		s.metrics.CredentialRejects.WithLabelValues("missing").Inc()
		return admission{}, errAdmission
	}
	defaults := session.DefaultConfig(s.cfg.Model, s.cfg.DefaultVoice)

	if strings.HasPrefix(token, credential.TokenPrefix) {
		grant, err := s.credentials.Validate(ctx, token)
		if err != nil {
			s.metrics.CredentialRejects.WithLabelValues(credential.Reason(err)).Inc()
			log.Printf("realtime gateway: credential rejected reason=%s", credential.Reason(err))
			return admission{}, errAdmission
		}
		t, ok := s.tenants.Get(grant.TenantID)
		if !ok {
			t = tenant.Tenant{ID: grant.TenantID}
		}
		cfg := defaults
		if grant.Config != nil {
			cfg = grant.Config.Clone()
		}
		return admission{tenant: t, config: cfg}, nil
	}

	t, err := s.tenants.Authenticate(token)
	if err != nil {
		s.metrics.CredentialRejects.WithLabelValues("unknown_api_key").Inc()
		return admission{}, errAdmission
	}
	return admission{tenant: t, config: defaults}, nil
}

// serve ties one reader, the session actor and one writer together. The first
// to stop brings the others down.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, c *session.Controller) string {
	g, gctx := errgroup.WithContext(ctx)
	var reason string

	g.Go(func() error {
		reason = s.sessions.Run(gctx, c)
		return nil
	})
	g.Go(func() error {
		return s.writeLoop(gctx, conn, c)
	})
	g.Go(func() error {
		s.readLoop(gctx, conn, c)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("realtime gateway: connection error session=%s err=%s", c.ID(), redact.Error(err))
	}
	return reason
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *session.Controller) {
	// The peer is gone either way once reading stops.
	defer c.Terminate(session.EndClientDisconnect)

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.ParseClientEvent(data)
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			if c.Reject(ctx, err) != nil {
				return
			}
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(ev.Kind())).Inc()
		if c.Submit(ctx, ev) != nil {
			return
		}
	}
}

// writeLoop is the only writer of conn. It drains the controller's events
// until the session closes them, then closes the socket.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, c *session.Controller) error {
	defer conn.Close()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "")
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				c.Terminate(session.EndClientDisconnect)
				return err
			}
			s.metrics.WSMessages.WithLabelValues("outbound", string(ev.Kind())).Inc()
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Terminate(session.EndClientDisconnect)
				return err
			}
		case <-ctx.Done():
			// The actor still owns the outbound queue; keep draining until it
			// closes so Run never blocks on a full channel.
			for range c.Events() {
			}
			return ctx.Err()
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// credentialFromRequest accepts, in order: an Authorization bearer token, a
// client_secret query parameter, and a Sec-WebSocket-Protocol entry prefixed
// with openai-insecure-api-key. for browsers that cannot set headers.
func credentialFromRequest(r *http.Request) string {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	if token := strings.TrimSpace(r.URL.Query().Get("client_secret")); token != "" {
		return token
	}
	for _, proto := range websocket.Subprotocols(r) {
		if token, ok := strings.CutPrefix(proto, apiKeySubprotocol); ok && token != "" {
			return token
		}
	}
	return ""
}
