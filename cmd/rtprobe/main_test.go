package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antoniostano/rtvoice/internal/audio"
)

func TestChunkPCMIsSampleAligned(t *testing.T) {
	pcm := make([]byte, 24000*2*100/1000+3) // 100ms plus an odd tail
	chunks := chunkPCM(pcm, 24000, 40)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if len(c)%2 != 0 {
			t.Fatalf("chunk %d has odd length %d", i, len(c))
		}
		total += len(c)
	}
	if total != len(pcm)-1 {
		t.Fatalf("total = %d, want %d", total, len(pcm)-1)
	}
}

func TestLoadClipResamplesWAV(t *testing.T) {
	pcm := make([]byte, 16000*2/10) // 100ms at 16kHz
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := audio.WriteWAVFile(path, pcm, 16000); err != nil {
		t.Fatalf("WriteWAVFile() error = %v", err)
	}
	got, err := loadClip(path)
	if err != nil {
		t.Fatalf("loadClip() error = %v", err)
	}
	if want := 24000 * 2 / 10; len(got) != want {
		t.Fatalf("len(loadClip()) = %d, want %d", len(got), want)
	}

	if _, err := loadClip(filepath.Join(t.TempDir(), "missing.wav")); !os.IsNotExist(err) {
		t.Fatalf("loadClip(missing) error = %v, want not exist", err)
	}
	if tone, err := loadClip(""); err != nil || len(tone) == 0 {
		t.Fatalf("loadClip(\"\") = %d bytes, %v", len(tone), err)
	}
}

func TestRealtimeURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":   "ws://127.0.0.1:8080/v1/realtime",
		"https://voice.example/":  "wss://voice.example/v1/realtime",
		"https://voice.example/x": "wss://voice.example/x/v1/realtime",
	}
	for in, want := range cases {
		got, err := realtimeURL(in)
		if err != nil {
			t.Fatalf("realtimeURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("realtimeURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := realtimeURL("ftp://host"); err == nil {
		t.Fatalf("realtimeURL(ftp) error = nil, want error")
	}
}

func TestSummarize(t *testing.T) {
	results := []turnResult{
		{FirstDelta: 300 * time.Millisecond, Done: time.Second},
		{FirstDelta: 100 * time.Millisecond, FirstAudio: 200 * time.Millisecond, Done: 3 * time.Second},
		{FirstDelta: 200 * time.Millisecond, Done: 2 * time.Second},
	}
	s := summarize(results)
	if s.FirstDeltaP50 != 200*time.Millisecond || s.FirstDeltaMax != 300*time.Millisecond {
		t.Fatalf("first delta = %s/%s, want 200ms/300ms", s.FirstDeltaP50, s.FirstDeltaMax)
	}
	if s.FirstAudioP50 != 200*time.Millisecond {
		t.Fatalf("first audio p50 = %s, want 200ms", s.FirstAudioP50)
	}
	if s.DoneP50 != 2*time.Second || s.DoneMax != 3*time.Second {
		t.Fatalf("done = %s/%s, want 2s/3s", s.DoneP50, s.DoneMax)
	}
}

func TestMintClientSecretSendsOptions(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"client_secret":{"value":"ek_abc","expires_at":1}}`))
	}))
	defer srv.Close()

	opts := options{BaseURL: srv.URL, APIKey: "sk-test", Voice: "echo", TextOnly: true}
	secret, err := mintClientSecret(context.Background(), srv.Client(), opts)
	if err != nil {
		t.Fatalf("mintClientSecret() error = %v", err)
	}
	if secret != "ek_abc" {
		t.Fatalf("secret = %q, want ek_abc", secret)
	}
	if got["voice"] != "echo" {
		t.Fatalf("voice = %v, want echo", got["voice"])
	}
	if td, ok := got["turn_detection"]; !ok || td != nil {
		t.Fatalf("turn_detection = %v (present %v), want explicit null", td, ok)
	}
	raw, _ := json.Marshal(got["modalities"])
	if !bytes.Equal(raw, []byte(`["text"]`)) {
		t.Fatalf("modalities = %s, want [\"text\"]", raw)
	}

	opts.APIKey = "wrong"
	if _, err := mintClientSecret(context.Background(), srv.Client(), opts); err == nil {
		t.Fatalf("mintClientSecret(bad key) error = nil, want error")
	}
}
