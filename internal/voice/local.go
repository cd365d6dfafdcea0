package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/reliability"
)

// LocalConfig selects a whisper.cpp backend. ServerURL points at an already
// running whisper-server; otherwise one is started from PATH with ModelPath,
// falling back to one-shot CLI runs when whisper-server is not installed.
type LocalConfig struct {
	ServerURL string
	CLI       string
	ModelPath string
	Language  string
	Threads   int
}

type whisperBackend interface {
	transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
	close() error
}

// LocalTranscriber runs speech-to-text through whisper.cpp on this host.
type LocalTranscriber struct {
	backend whisperBackend
	name    string
}

func NewLocalTranscriber(cfg LocalConfig) (*LocalTranscriber, error) {
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}
	if url := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/"); url != "" {
		return &LocalTranscriber{
			backend: &whisperServer{baseURL: url, client: &http.Client{Timeout: 60 * time.Second}},
			name:    "whisper-server",
		}, nil
	}

	modelPath, err := resolveModelPath(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	threads := cfg.Threads
	if threads < 0 {
		return nil, fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if threads == 0 {
		threads = min(max(runtime.NumCPU(), 2), 8)
	}

	if path, err := exec.LookPath("whisper-server"); err == nil {
		srv, err := startWhisperServer(path, modelPath, language, threads)
		if err == nil {
			return &LocalTranscriber{backend: srv, name: "whisper-server"}, nil
		}
		log.Printf("voice: whisper-server failed to start, using CLI err=%v", err)
	}

	cli := strings.TrimSpace(cfg.CLI)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp not found: neither whisper-server nor %s is on PATH", cli)
	}
	return &LocalTranscriber{
		backend: whisperCLI{path: cliPath, modelPath: modelPath, language: language, threads: threads},
		name:    "whisper-cli",
	}, nil
}

func resolveModelPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("LOCAL_WHISPER_MODEL_PATH is required")
	}
	if !filepath.IsAbs(p) {
		if wd, err := os.Getwd(); err == nil {
			p = filepath.Join(wd, p)
		}
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("whisper model not found: %s", p)
	}
	return p, nil
}

// Backend names the whisper.cpp frontend in use.
func (t *LocalTranscriber) Backend() string { return t.name }

func (t *LocalTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error) {
	if len(pcm) == 0 {
		return Transcript{}, ErrNoSpeech
	}
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	text, err := t.backend.transcribe(ctx, pcm, sampleRate)
	if err != nil {
		return Transcript{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" || text == "[BLANK_AUDIO]" {
		return Transcript{}, ErrNoSpeech
	}
	return Transcript{Text: text, Confidence: 0.9, Source: "whisper"}, nil
}

func (t *LocalTranscriber) Close() error { return t.backend.close() }

type whisperServer struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	baseURL string
	client  *http.Client
	closed  bool
}

func startWhisperServer(path, modelPath, language string, threads int) (*whisperServer, error) {
	port, err := pickFreePort()
	if err != nil {
		return nil, err
	}
	args := []string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"-m", modelPath,
		"-l", language,
		"-t", strconv.Itoa(threads),
		"-nt",
	}
	tail := &tailBuffer{max: 16 << 10}
	cmd := exec.Command(path, args...)
	cmd.Stdout = tail
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	srv := &whisperServer{
		cmd:     cmd,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	deadline := time.Now().Add(25 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := srv.client.Get(srv.baseURL + "/")
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return srv, nil
			}
		}
		time.Sleep(80 * time.Millisecond)
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	if msg := strings.TrimSpace(tail.String()); msg != "" {
		return nil, errors.New(msg)
	}
	return nil, errors.New("whisper-server did not become ready")
}

func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok || addr.Port == 0 {
		return 0, fmt.Errorf("failed to allocate port")
	}
	return addr.Port, nil
}

// transcribe posts the turn as a WAV upload to /inference. Requests are
// serialized; whisper-server runs a single processor.
func (s *whisperServer) transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("whisper-server closed")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, sampleRate)); err != nil {
		return "", err
	}
	_ = mw.WriteField("temperature", "0.0")
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/inference", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &reliability.StatusError{Provider: "whisper-server", Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("decode whisper-server response: %w", err)
	}
	return out.Text, nil
}

func (s *whisperServer) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-time.After(1200 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}

type whisperCLI struct {
	path      string
	modelPath string
	language  string
	threads   int
}

func (w whisperCLI) transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	tmpDir, err := os.MkdirTemp("", "rtvoice-whisper-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	if err := audio.WriteWAVFile(wavPath, pcm, sampleRate); err != nil {
		return "", err
	}
	outPrefix := filepath.Join(tmpDir, "out")
	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", w.language,
		"-t", strconv.Itoa(w.threads),
		"-otxt",
		"-of", outPrefix,
		"-nt",
	}

	cmd := exec.CommandContext(ctx, w.path, args...)
	cmd.Stdout = io.Discard
	stderr := &tailBuffer{max: 8 << 10}
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (whisperCLI) close() error { return nil }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
