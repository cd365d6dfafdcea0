package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/antoniostano/rtvoice/internal/config"
	"github.com/antoniostano/rtvoice/internal/credential"
	"github.com/antoniostano/rtvoice/internal/httpapi"
	"github.com/antoniostano/rtvoice/internal/inference"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/ratelimit"
	"github.com/antoniostano/rtvoice/internal/response"
	"github.com/antoniostano/rtvoice/internal/session"
	"github.com/antoniostano/rtvoice/internal/store"
	"github.com/antoniostano/rtvoice/internal/tenant"
	"github.com/antoniostano/rtvoice/internal/voice"
	"github.com/antoniostano/rtvoice/internal/workpool"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	tenants, err := loadTenants(cfg)
	if err != nil {
		log.Fatalf("tenants init failed: %v", err)
	}

	credStore, err := credential.NewStore(runCtx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("credential store init failed: %v", err)
	}
	credentials := credential.NewService(credStore, cfg.CredentialTTL)
	defer credentials.Close()

	repo, err := store.NewRepository(runCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session repository init failed: %v", err)
	}
	defer repo.Close()

	generator, err := inference.NewGenerator(runCtx, inference.Config{
		Mode:         cfg.GeneratorProvider,
		HTTPURL:      cfg.GeneratorHTTPURL,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
	})
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}
	log.Printf("generator: %s", inference.Name(generator))

	transcriber, synthesizer, closeVoice := voiceProviders(cfg)
	defer closeVoice()

	pool := workpool.New(cfg.WorkpoolSize())
	metrics.TrackWorkpool(cfg.MetricsNamespace, pool.InFlight)

	limiter := ratelimit.New(ratelimit.Limits{
		RequestsPerMinute: cfg.RateLimitRPM,
		TokensPerMinute:   cfg.RateLimitTPM,
	})
	for _, t := range tenants.List() {
		limiter.Configure(t.ID, ratelimit.Limits{
			RequestsPerMinute: t.RequestsPerMinute,
			TokensPerMinute:   t.TokensPerMinute,
		})
	}

	sessions := session.NewManager(session.Dependencies{
		Runner:         response.NewRunner(generator, synthesizer, pool),
		Transcriber:    transcriber,
		Pool:           pool,
		Repository:     repo,
		Limiter:        limiter,
		Metrics:        metrics,
		Voices:         cfg.Voices,
		BufferMaxBytes: cfg.InputAudioBufferMaxBytes,
		StallTimeout:   cfg.ResponseStallTimeout,
	}, cfg.SessionInactivityTimeout, cfg.SessionMaxLifetime)
	sessions.StartJanitor(runCtx, 5*time.Second)

	api := httpapi.New(cfg, httpapi.Backends{
		Sessions:    sessions,
		Credentials: credentials,
		Tenants:     tenants,
		Repository:  repo,
		Metrics:     metrics,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by http.Server; end the
	// sessions first so their handlers return.
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Printf("session shutdown incomplete: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	runCancel()

	log.Printf("shutdown complete")
}

func loadTenants(cfg config.Config) (*tenant.Registry, error) {
	if cfg.TenantsFile != "" {
		reg, err := tenant.LoadFile(cfg.TenantsFile)
		if err != nil {
			return nil, err
		}
		log.Printf("tenants: %d loaded from %s", reg.Len(), cfg.TenantsFile)
		return reg, nil
	}
	if cfg.DevTenantAPIKey == "" {
		return nil, errors.New("TENANTS_FILE or DEV_TENANT_API_KEY must be set")
	}
	log.Printf("tenants: single development tenant (DEV_TENANT_API_KEY)")
	return tenant.NewRegistry([]tenant.Tenant{{ID: "dev", Name: "Development", APIKeys: []string{cfg.DevTenantAPIKey}}})
}

// voiceProviders resolves VOICE_PROVIDER. ElevenLabs and local whisper always
// run with the mock as fallback so a provider outage degrades audio instead
// of failing responses. The returned func stops any local whisper process.
func voiceProviders(cfg config.Config) (voice.Transcriber, voice.Synthesizer, func()) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	mock := voice.NewMockProvider()
	elevenLabs := func() (*voice.ElevenLabsProvider, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return nil, false
		}
		return voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			WSBaseURL:  cfg.ElevenLabsWSBaseURL,
			STTModelID: cfg.ElevenLabsSTTModel,
			TTSModelID: cfg.ElevenLabsTTSModel,
			VoiceIDs:   cfg.ElevenLabsVoiceIDs,
		}), true
	}
	tryElevenLabs := func() (voice.Transcriber, voice.Synthesizer, bool) {
		p, ok := elevenLabs()
		if !ok {
			return nil, nil, false
		}
		t, s := voice.NewFailoverPair(p, p, mock, mock, "", "")
		log.Printf("voice provider: elevenlabs realtime (mock fallback)")
		return t, s, true
	}

	noop := func() {}
	switch mode {
	case "elevenlabs":
		t, s, ok := tryElevenLabs()
		if !ok {
			log.Fatalf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		return t, s, noop
	case "local":
		local, err := voice.NewLocalTranscriber(voice.LocalConfig{
			ServerURL: cfg.LocalWhisperServerURL,
			CLI:       cfg.LocalWhisperCLI,
			ModelPath: cfg.LocalWhisperModelPath,
			Language:  cfg.LocalWhisperLanguage,
			Threads:   cfg.LocalWhisperThreads,
		})
		if err != nil {
			log.Fatalf("local whisper init failed: %v", err)
		}
		// Speech-to-text runs locally; synthesis still uses ElevenLabs when keyed.
		var synth voice.Synthesizer = mock
		synthName := "mock"
		if p, ok := elevenLabs(); ok {
			synth, synthName = p, "elevenlabs"
		}
		t, s := voice.NewFailoverPair(local, synth, mock, mock, "", "")
		log.Printf("voice provider: local whisper (%s) + %s synth (mock fallback)", local.Backend(), synthName)
		return t, s, func() {
			if err := local.Close(); err != nil {
				log.Printf("local whisper close: %v", err)
			}
		}
	case "mock":
		log.Printf("voice provider: mock")
		return mock, mock, noop
	case "auto":
		if t, s, ok := tryElevenLabs(); ok {
			return t, s, noop
		}
		log.Printf("voice provider: mock (no elevenlabs key)")
		return mock, mock, noop
	default:
		log.Fatalf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|local|mock)", cfg.VoiceProvider)
	}
	return nil, nil, nil
}
