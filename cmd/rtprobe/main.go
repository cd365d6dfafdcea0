package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jessevdk/go-flags"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/protocol"
)

type options struct {
	BaseURL     string        `long:"base-url" default:"http://127.0.0.1:8080" description:"rtvoice base URL"`
	APIKey      string        `long:"api-key" env:"RTVOICE_API_KEY" required:"true" description:"tenant API key used to mint a client secret"`
	WAV         string        `long:"wav" description:"16-bit PCM WAV file replayed as the user turn (a synthetic tone when empty)"`
	Text        string        `long:"text" description:"send a text message per turn instead of audio"`
	Voice       string        `long:"voice" description:"session voice"`
	TextOnly    bool          `long:"text-only" description:"request text output only"`
	ServerVAD   bool          `long:"server-vad" description:"let server VAD end each turn instead of committing explicitly"`
	Turns       int           `long:"turns" default:"3" description:"number of turns to drive"`
	ChunkMS     int           `long:"chunk-ms" default:"40" description:"audio chunk size in milliseconds"`
	Realtime    float64       `long:"realtime" default:"2.0" description:"chunk pacing multiplier (1.0=realtime)"`
	TurnTimeout time.Duration `long:"turn-timeout" default:"15s" description:"timeout waiting for response.done per turn"`
	Verbose     bool          `short:"v" long:"verbose" description:"print every server event type"`
}

// serverEvent is the subset of server event fields the probe inspects.
type serverEvent struct {
	Type     string                `json:"type"`
	Error    *protocol.ErrorDetail `json:"error,omitempty"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response,omitempty"`
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
}

type turnResult struct {
	Status     string
	FirstDelta time.Duration
	FirstAudio time.Duration
	Done       time.Duration
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(1)
	}
}

func (o *options) validate() error {
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if o.BaseURL == "" {
		return errors.New("base-url is required")
	}
	if o.Turns <= 0 {
		return errors.New("turns must be > 0")
	}
	if o.ChunkMS < 10 || o.ChunkMS > 2000 {
		return errors.New("chunk-ms must be in [10,2000]")
	}
	if o.Realtime <= 0 {
		return errors.New("realtime must be > 0")
	}
	if o.TurnTimeout < time.Second {
		o.TurnTimeout = time.Second
	}
	return nil
}

func run(opts options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	var pcm []byte
	if opts.Text == "" {
		clip, err := loadClip(opts.WAV)
		if err != nil {
			return fmt.Errorf("prepare audio: %w", err)
		}
		pcm = clip
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	secret, err := mintClientSecret(ctx, httpClient, opts)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	wsURL, err := realtimeURL(opts.BaseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{"Authorization": {"Bearer " + secret}})
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan serverEvent, 256)
	readErr := make(chan error, 1)
	go readLoop(conn, events, readErr, opts.Verbose)

	created, err := await(events, readErr, opts.TurnTimeout, protocol.TypeSessionCreated)
	if err != nil {
		return fmt.Errorf("await session.created: %w", err)
	}
	fmt.Printf("rtprobe: session=%s turns=%d mode=%s\n", created.Session.ID, opts.Turns, opts.mode())

	results := make([]turnResult, 0, opts.Turns)
	for i := 0; i < opts.Turns; i++ {
		res, err := driveTurn(conn, events, readErr, opts, pcm)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		fmt.Printf("rtprobe: turn %d/%d status=%s first_delta=%s first_audio=%s done=%s\n",
			i+1, opts.Turns, res.Status, fmtMS(res.FirstDelta), fmtMS(res.FirstAudio), fmtMS(res.Done))
		results = append(results, res)
	}

	s := summarize(results)
	fmt.Printf("rtprobe: first_delta p50=%s max=%s | first_audio p50=%s max=%s | done p50=%s max=%s\n",
		fmtMS(s.FirstDeltaP50), fmtMS(s.FirstDeltaMax),
		fmtMS(s.FirstAudioP50), fmtMS(s.FirstAudioMax),
		fmtMS(s.DoneP50), fmtMS(s.DoneMax))
	return nil
}

func (o options) mode() string {
	switch {
	case o.Text != "":
		return "text"
	case o.ServerVAD:
		return "audio+server_vad"
	default:
		return "audio+commit"
	}
}

// loadClip returns pcm16 audio at the session rate.
func loadClip(path string) ([]byte, error) {
	rate := audio.SampleRate(protocol.AudioFormatPCM16)
	if path == "" {
		return syntheticClip(1200, rate), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, sampleRate, err := audio.DecodeWAV(raw)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, errors.New("wav has no samples")
	}
	return audio.SamplesToBytes(audio.Resample(audio.BytesToSamples(pcm), sampleRate, rate)), nil
}

// syntheticClip is a voiced-looking tone loud enough to trip server VAD.
func syntheticClip(ms, rate int) []byte {
	samples := make([]int16, ms*rate/1000)
	for i := range samples {
		// Square-ish wave at ~200Hz.
		if (i*200/rate)%2 == 0 {
			samples[i] = 9000
		} else {
			samples[i] = -9000
		}
	}
	return audio.SamplesToBytes(samples)
}

func mintClientSecret(ctx context.Context, client *http.Client, opts options) (string, error) {
	body := map[string]any{}
	if opts.Voice != "" {
		body["voice"] = opts.Voice
	}
	if opts.TextOnly {
		body["modalities"] = []string{"text"}
	}
	if !opts.ServerVAD {
		body["turn_detection"] = nil
	}
	if opts.Text == "" {
		body["input_audio_transcription"] = map[string]any{"model": "default"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.BaseURL+"/v1/realtime/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out struct {
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if out.ClientSecret.Value == "" {
		return "", errors.New("missing client_secret in response")
	}
	return out.ClientSecret.Value, nil
}

func realtimeURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- serverEvent, readErr chan<- error, verbose bool) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "rtprobe: <- %s\n", ev.Type)
		}
		if ev.Type == string(protocol.TypeError) && ev.Error != nil {
			fmt.Fprintf(os.Stderr, "rtprobe: error type=%s code=%s message=%s\n", ev.Error.Type, ev.Error.Code, ev.Error.Message)
		}
		events <- ev
	}
}

func await(events <-chan serverEvent, readErr <-chan error, timeout time.Duration, kind protocol.EventType) (serverEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return serverEvent{}, <-readErr
			}
			if ev.Type == string(kind) {
				return ev, nil
			}
		case <-timer.C:
			return serverEvent{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

// driveTurn sends one user turn and measures from the end of user input.
func driveTurn(conn *websocket.Conn, events <-chan serverEvent, readErr <-chan error, opts options, pcm []byte) (turnResult, error) {
	if opts.Text != "" {
		if err := conn.WriteJSON(map[string]any{
			"type": protocol.TypeConversationItemCreate,
			"item": map[string]any{
				"type":    protocol.ItemTypeMessage,
				"role":    protocol.RoleUser,
				"content": []map[string]any{{"type": protocol.ContentInputText, "text": opts.Text}},
			},
		}); err != nil {
			return turnResult{}, err
		}
	} else {
		rate := audio.SampleRate(protocol.AudioFormatPCM16)
		for _, chunk := range chunkPCM(pcm, rate, opts.ChunkMS) {
			if err := conn.WriteJSON(map[string]any{
				"type":  protocol.TypeInputAudioBufferAppend,
				"audio": base64.StdEncoding.EncodeToString(chunk),
			}); err != nil {
				return turnResult{}, err
			}
			time.Sleep(chunkDuration(len(chunk), rate, opts.Realtime))
		}
		if opts.ServerVAD {
			// Trailing silence lets the detector close the turn.
			silence := make([]byte, rate*2*800/1000)
			for _, chunk := range chunkPCM(silence, rate, opts.ChunkMS) {
				if err := conn.WriteJSON(map[string]any{
					"type":  protocol.TypeInputAudioBufferAppend,
					"audio": base64.StdEncoding.EncodeToString(chunk),
				}); err != nil {
					return turnResult{}, err
				}
			}
		} else if err := conn.WriteJSON(map[string]any{"type": protocol.TypeInputAudioBufferCommit}); err != nil {
			return turnResult{}, err
		}
	}
	if opts.Text != "" || !opts.ServerVAD {
		if err := conn.WriteJSON(map[string]any{"type": protocol.TypeResponseCreate}); err != nil {
			return turnResult{}, err
		}
	}
	start := time.Now()

	var res turnResult
	timer := time.NewTimer(opts.TurnTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return res, <-readErr
			}
			switch protocol.EventType(ev.Type) {
			case protocol.TypeResponseTextDelta, protocol.TypeResponseAudioTranscriptDelta:
				if res.FirstDelta == 0 {
					res.FirstDelta = time.Since(start)
				}
			case protocol.TypeResponseAudioDelta:
				if res.FirstDelta == 0 {
					res.FirstDelta = time.Since(start)
				}
				if res.FirstAudio == 0 {
					res.FirstAudio = time.Since(start)
				}
			case protocol.TypeResponseDone, protocol.TypeResponseCancelled:
				res.Done = time.Since(start)
				if ev.Response != nil {
					res.Status = ev.Response.Status
				}
				return res, nil
			}
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s waiting for response.done", opts.TurnTimeout)
		}
	}
}

// chunkPCM splits pcm into sample-aligned chunks of chunkMS.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	size := sampleRate * 2 * chunkMS / 1000
	size -= size % 2
	if size <= 0 {
		size = 2
	}
	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		end -= (end - off) % 2
		if end <= off {
			break
		}
		out = append(out, pcm[off:end])
	}
	return out
}

func chunkDuration(n, sampleRate int, realtime float64) time.Duration {
	d := time.Duration(float64(time.Duration(n)*time.Second/time.Duration(sampleRate*2)) / realtime)
	if d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}

type summary struct {
	FirstDeltaP50, FirstDeltaMax time.Duration
	FirstAudioP50, FirstAudioMax time.Duration
	DoneP50, DoneMax             time.Duration
}

func summarize(results []turnResult) summary {
	var delta, audioLat, done []time.Duration
	for _, r := range results {
		if r.FirstDelta > 0 {
			delta = append(delta, r.FirstDelta)
		}
		if r.FirstAudio > 0 {
			audioLat = append(audioLat, r.FirstAudio)
		}
		if r.Done > 0 {
			done = append(done, r.Done)
		}
	}
	var s summary
	s.FirstDeltaP50, s.FirstDeltaMax = p50Max(delta)
	s.FirstAudioP50, s.FirstAudioMax = p50Max(audioLat)
	s.DoneP50, s.DoneMax = p50Max(done)
	return s
}

func p50Max(values []time.Duration) (time.Duration, time.Duration) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return sorted[(len(sorted)-1)/2], sorted[len(sorted)-1]
}

func fmtMS(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
