package session

import (
	"time"

	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/ratelimit"
	"github.com/antoniostano/rtvoice/internal/response"
	"github.com/antoniostano/rtvoice/internal/store"
	"github.com/antoniostano/rtvoice/internal/voice"
	"github.com/antoniostano/rtvoice/internal/workpool"
)

type Status string

const (
	StatusConnecting  Status = "connecting"
	StatusActive      Status = "active"
	StatusTerminating Status = "terminating"
	StatusClosed      Status = "closed"
)

// Reasons recorded when a session ends.
const (
	EndClientDisconnect = "client_disconnected"
	EndDeleted          = "deleted"
	EndExpired          = "expired"
	EndInactive         = "inactive"
	EndShutdown         = "shutdown"
)

// Info is a point-in-time view of a live session.
type Info struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"-"`
	Model             string    `json:"model"`
	Status            Status    `json:"status"`
	ActiveResponseID  string    `json:"active_response_id,omitempty"`
	ResponseCount     int       `json:"response_count"`
	InterruptionCount int       `json:"interruption_count"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Options identify a session and its starting configuration.
type Options struct {
	ID        string
	TenantID  string
	Config    protocol.SessionConfig
	ExpiresAt time.Time
}

// Dependencies are shared by every controller of a process.
type Dependencies struct {
	Runner      *response.Runner
	Transcriber voice.Transcriber
	Pool        *workpool.Pool
	Repository  store.Repository
	Limiter     *ratelimit.Limiter
	Metrics     *observability.Metrics

	Voices         []string
	BufferMaxBytes int
	StallTimeout   time.Duration
	Now            func() time.Time
}

// DefaultConfig is the configuration a session starts with when its
// credential carries no snapshot.
func DefaultConfig(model, voiceName string) protocol.SessionConfig {
	return protocol.SessionConfig{
		Object:            "realtime.session",
		Model:             model,
		Modalities:        []protocol.Modality{protocol.ModalityText, protocol.ModalityAudio},
		Voice:             voiceName,
		InputAudioFormat:  protocol.AudioFormatPCM16,
		OutputAudioFormat: protocol.AudioFormatPCM16,
		TurnDetection:     &protocol.TurnDetection{Type: protocol.TurnDetectionServerVAD},
		Tools:             []protocol.Tool{},
		ToolChoice:        protocol.ToolChoiceAuto,
		Temperature:       0.8,
	}
}
