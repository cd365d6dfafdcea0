package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/reliability"
)

const elevenSTTSampleRate = 16000

type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	STTModelID string
	TTSModelID string
	// VoiceIDs maps session voice names (alloy, sage, ...) to ElevenLabs
	// voice ids. Unmapped names are passed through unchanged.
	VoiceIDs map[string]string
}

type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_flash_v2_5"
	}
	return &ElevenLabsProvider{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (p *ElevenLabsProvider) dial(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = query.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, &reliability.StatusError{Provider: "elevenlabs", Code: resp.StatusCode}
		}
		return nil, err
	}
	return conn, nil
}

// Transcribe streams the committed turn to the realtime STT endpoint with a
// manual commit and waits for the committed transcript.
func (p *ElevenLabsProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error) {
	if len(pcm) == 0 {
		return Transcript{}, ErrNoSpeech
	}
	q := url.Values{}
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "manual")
	q.Set("audio_format", "pcm_16000")
	conn, err := p.dial(ctx, "/v1/speech-to-text/realtime", q)
	if err != nil {
		return Transcript{}, fmt.Errorf("dial stt websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	samples := audio.BytesToSamples(pcm)
	if sampleRate != elevenSTTSampleRate {
		samples = audio.Resample(samples, sampleRate, elevenSTTSampleRate)
	}
	const chunkSamples = elevenSTTSampleRate / 10
	for start := 0; start < len(samples); start += chunkSamples {
		end := min(start+chunkSamples, len(samples))
		payload := map[string]any{
			"message_type":  "input_audio_chunk",
			"audio_base_64": base64.StdEncoding.EncodeToString(audio.SamplesToBytes(samples[start:end])),
			"commit":        end == len(samples),
			"sample_rate":   elevenSTTSampleRate,
		}
		if err := conn.WriteJSON(payload); err != nil {
			return Transcript{}, fmt.Errorf("send stt audio: %w", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Transcript{}, ctxErr
			}
			return Transcript{}, fmt.Errorf("read stt websocket: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "committed_transcript", "committed_transcript_with_timestamps":
			text := strings.TrimSpace(asString(raw["text"]))
			if text == "" {
				return Transcript{}, ErrNoSpeech
			}
			return Transcript{Text: text, Confidence: 1, Source: "elevenlabs"}, nil
		case "", "session_started", "partial_transcript", "input_audio_chunk":
		default:
			return Transcript{}, fmt.Errorf("stt %s: %s", messageType, asString(raw["error"]))
		}
	}
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, voice, modelID string, settings SynthSettings) (SynthStream, error) {
	voiceID := strings.TrimSpace(voice)
	if mapped := p.cfg.VoiceIDs[voiceID]; mapped != "" {
		voiceID = mapped
	}
	if voiceID == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = p.cfg.TTSModelID
	}

	q := url.Values{}
	q.Set("model_id", modelID)
	q.Set("output_format", "pcm_24000")
	q.Set("auto_mode", "true")
	conn, err := p.dial(ctx, "/v1/text-to-speech/"+url.PathEscape(voiceID)+"/stream-input", q)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenSynthStream{conn: conn, done: make(chan struct{}), events: make(chan SynthEvent, 512)}
	go s.readLoop()
	// The first message primes the stream and carries the voice settings.
	if err := s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        clamp(settings.Stability, 0.42, 0, 1),
			"similarity_boost": clamp(settings.SimilarityBoost, 0.85, 0, 1),
			"speed":            clamp(settings.Speed, 1.0, 0.7, 1.2),
		},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	return s, nil
}

func clamp(v, fallback, lo, hi float64) float64 {
	if v <= 0 {
		v = fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type elevenSynthStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan SynthEvent
}

func (s *elevenSynthStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": tryTrigger,
	})
}

func (s *elevenSynthStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenSynthStream) Events() <-chan SynthEvent { return s.events }

func (s *elevenSynthStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *elevenSynthStream) send(evt SynthEvent) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.done:
		return false
	}
}

func (s *elevenSynthStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSynthStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if encoded := asString(raw["audio"]); encoded != "" {
			pcm, err := base64.StdEncoding.DecodeString(encoded)
			if err == nil && len(pcm) > 0 {
				if !s.send(SynthEvent{Type: SynthEventAudio, Audio: pcm}) {
					return
				}
			}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			if !s.send(SynthEvent{Type: SynthEventFinal}) {
				return
			}
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			if !s.send(SynthEvent{Type: SynthEventError, Code: code, Detail: errMsg, Retryable: isRetryableMessageType(code)}) {
				return
			}
		}
	}
}

func isRetryableMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow":
		return true
	default:
		return false
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
