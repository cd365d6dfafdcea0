package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime voice gateway.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionMaxLifetime       time.Duration
	AdmissionTimeout         time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	TenantsFile     string
	DevTenantAPIKey string

	CredentialTTL time.Duration
	RedisURL      string
	DatabaseURL   string

	Model                    string
	DefaultVoice             string
	Voices                   []string
	InputAudioBufferMaxBytes int
	ResponseStallTimeout     time.Duration
	WorkpoolIOFactor         int

	RateLimitRPM int
	RateLimitTPM int

	GeneratorProvider string
	GeneratorHTTPURL  string
	GeminiAPIKey      string
	GeminiModel       string

	VoiceProvider       string
	ElevenLabsAPIKey    string
	ElevenLabsWSBaseURL string
	ElevenLabsTTSModel  string
	ElevenLabsSTTModel  string
	// ElevenLabsVoiceIDs maps session voice names to ElevenLabs voice ids.
	ElevenLabsVoiceIDs map[string]string

	LocalWhisperServerURL string
	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperLanguage  string
	LocalWhisperThreads   int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "rtvoice"),
		AllowAnyOrigin:           false,
		TenantsFile:              stringsTrimSpace("TENANTS_FILE"),
		DevTenantAPIKey:          stringsTrimSpace("DEV_TENANT_API_KEY"),
		RedisURL:                 stringsTrimSpace("REDIS_URL"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		Model:                    envOrDefault("REALTIME_MODEL", "rtvoice-realtime-1"),
		DefaultVoice:             envOrDefault("DEFAULT_VOICE", "alloy"),
		Voices:                   listFromEnv("VOICES", []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}),
		GeneratorProvider:        envOrDefault("GENERATOR_PROVIDER", "auto"),
		GeneratorHTTPURL:         stringsTrimSpace("GENERATOR_HTTP_URL"),
		GeminiAPIKey:             stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:              envOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		VoiceProvider:            envOrDefault("VOICE_PROVIDER", "auto"),
		ElevenLabsAPIKey:         stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:      envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSModel:       envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsSTTModel:       envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		LocalWhisperServerURL:    stringsTrimSpace("LOCAL_WHISPER_SERVER_URL"),
		LocalWhisperCLI:          envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath:    stringsTrimSpace("LOCAL_WHISPER_MODEL_PATH"),
		LocalWhisperLanguage:     envOrDefault("LOCAL_WHISPER_LANGUAGE", "en"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		SessionMaxLifetime:       30 * time.Minute,
		AdmissionTimeout:         5 * time.Second,
		CredentialTTL:            60 * time.Second,
		InputAudioBufferMaxBytes: 15 << 20,
		ResponseStallTimeout:     20 * time.Second,
		WorkpoolIOFactor:         4,
		RateLimitRPM:             600,
		RateLimitTPM:             200000,
	}
	var err error
	cfg.ElevenLabsVoiceIDs, err = mapFromEnv("ELEVENLABS_VOICE_IDS")
	if err != nil {
		return Config{}, err
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_SESSION_MAX_LIFETIME", &cfg.SessionMaxLifetime},
		{"ADMISSION_TIMEOUT", &cfg.AdmissionTimeout},
		{"CREDENTIAL_TTL", &cfg.CredentialTTL},
		{"RESPONSE_STALL_TIMEOUT", &cfg.ResponseStallTimeout},
	} {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	for _, n := range []struct {
		key string
		dst *int
	}{
		{"INPUT_AUDIO_BUFFER_MAX_BYTES", &cfg.InputAudioBufferMaxBytes},
		{"WORKPOOL_IO_FACTOR", &cfg.WorkpoolIOFactor},
		{"RATE_LIMIT_RPM", &cfg.RateLimitRPM},
		{"RATE_LIMIT_TPM", &cfg.RateLimitTPM},
		{"LOCAL_WHISPER_THREADS", &cfg.LocalWhisperThreads},
	} {
		*n.dst, err = intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.SessionMaxLifetime < c.SessionInactivityTimeout {
		return fmt.Errorf("APP_SESSION_MAX_LIFETIME must not be shorter than APP_SESSION_INACTIVITY_TIMEOUT")
	}
	if c.AdmissionTimeout <= 0 {
		return fmt.Errorf("ADMISSION_TIMEOUT must be positive")
	}
	if c.CredentialTTL <= 0 || c.CredentialTTL > 10*time.Minute {
		return fmt.Errorf("CREDENTIAL_TTL must be in (0, 10m]")
	}
	if c.InputAudioBufferMaxBytes <= 0 {
		return fmt.Errorf("INPUT_AUDIO_BUFFER_MAX_BYTES must be positive")
	}
	if c.ResponseStallTimeout < time.Second {
		return fmt.Errorf("RESPONSE_STALL_TIMEOUT must be at least 1s")
	}
	if c.WorkpoolIOFactor <= 0 {
		return fmt.Errorf("WORKPOOL_IO_FACTOR must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitTPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_TPM must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.VoiceProvider)) {
	case "auto", "mock", "elevenlabs", "local":
	default:
		return fmt.Errorf("VOICE_PROVIDER must be auto, mock, elevenlabs or local")
	}
	if c.LocalWhisperThreads < 0 {
		return fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if len(c.Voices) == 0 {
		return fmt.Errorf("VOICES must list at least one voice")
	}
	found := false
	for _, v := range c.Voices {
		if v == c.DefaultVoice {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("DEFAULT_VOICE %q is not listed in VOICES", c.DefaultVoice)
	}
	return nil
}

// WorkpoolSize bounds concurrent collaborator calls: available cores times
// the I/O headroom factor.
func (c Config) WorkpoolSize() int {
	return runtime.GOMAXPROCS(0) * c.WorkpoolIOFactor
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// mapFromEnv parses "name=value,name2=value2".
func mapFromEnv(key string) (map[string]string, error) {
	out := make(map[string]string)
	v := stringsTrimSpace(key)
	if v == "" {
		return out, nil
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%s parse error: expected name=value pairs", key)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out, nil
}
