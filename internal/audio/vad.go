package audio

import (
	"math"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

const (
	frameMs = 10

	defaultThreshold       = 0.5
	defaultPrefixPaddingMs = 300
	defaultSilenceMs       = 500

	// Frames voting on the speech decision.
	voteFrames = 4
	// Consecutive voiced frames needed before speech is reported.
	onsetFrames = 3
)

// DetectorConfig parameterizes turn detection.
type DetectorConfig struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// ConfigFromTurnDetection resolves defaults for server_vad and maps the
// semantic_vad eagerness onto a silence window.
func ConfigFromTurnDetection(td *protocol.TurnDetection) DetectorConfig {
	cfg := DetectorConfig{
		Threshold:         defaultThreshold,
		PrefixPaddingMs:   defaultPrefixPaddingMs,
		SilenceDurationMs: defaultSilenceMs,
	}
	if td == nil {
		return cfg
	}
	if td.Type == protocol.TurnDetectionSemanticVAD {
		switch td.Eagerness {
		case "low":
			cfg.SilenceDurationMs = 1500
		case "high":
			cfg.SilenceDurationMs = 250
		default:
			cfg.SilenceDurationMs = 800
		}
		return cfg
	}
	if td.Threshold != nil {
		cfg.Threshold = *td.Threshold
	}
	if td.PrefixPaddingMs != nil {
		cfg.PrefixPaddingMs = *td.PrefixPaddingMs
	}
	if td.SilenceDurationMs != nil {
		cfg.SilenceDurationMs = *td.SilenceDurationMs
	}
	return cfg
}

type VADEventKind int

const (
	SpeechStarted VADEventKind = iota + 1
	SpeechStopped
)

// VADEvent marks a speech boundary. AtMs is measured from the first sample
// the detector has seen in this session.
type VADEvent struct {
	Kind VADEventKind
	AtMs int
}

// Detector is an energy based voice activity detector over 10 ms frames.
// Each frame's RMS level is mapped to [0,1] on a -60..0 dBFS scale and
// compared against the threshold; a short majority vote smooths the decision.
type Detector struct {
	cfg        DetectorConfig
	sampleRate int
	frameLen   int

	pending  []int16
	votes    []bool
	frames   int
	voiced   int
	silentMs int
	speaking bool
}

func NewDetector(cfg DetectorConfig, sampleRate int) *Detector {
	if sampleRate <= 0 {
		sampleRate = PCM16SampleRate
	}
	return &Detector{
		cfg:        cfg,
		sampleRate: sampleRate,
		frameLen:   sampleRate * frameMs / 1000,
	}
}

// Reconfigure swaps parameters without losing the position in the stream.
func (d *Detector) Reconfigure(cfg DetectorConfig) {
	d.cfg = cfg
}

func (d *Detector) Speaking() bool { return d.speaking }

// PositionMs is the amount of audio processed so far.
func (d *Detector) PositionMs() int { return d.frames * frameMs }

// Reset drops the speech state, for example after the buffer was cleared.
// The stream position is kept.
func (d *Detector) Reset() {
	d.pending = d.pending[:0]
	d.votes = d.votes[:0]
	d.voiced = 0
	d.silentMs = 0
	d.speaking = false
}

// Process consumes samples and returns the boundaries found in them.
func (d *Detector) Process(samples []int16) []VADEvent {
	d.pending = append(d.pending, samples...)
	var events []VADEvent
	for len(d.pending) >= d.frameLen {
		frame := d.pending[:d.frameLen]
		if ev, ok := d.step(frame); ok {
			events = append(events, ev)
		}
		d.pending = d.pending[d.frameLen:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return events
}

func (d *Detector) step(frame []int16) (VADEvent, bool) {
	d.frames++
	voiced := d.vote(Level(frame) >= d.cfg.Threshold)

	if !d.speaking {
		if !voiced {
			d.voiced = 0
			return VADEvent{}, false
		}
		d.voiced++
		if d.voiced < onsetFrames {
			return VADEvent{}, false
		}
		d.speaking = true
		d.silentMs = 0
		onsetMs := (d.frames - d.voiced) * frameMs
		start := onsetMs - d.cfg.PrefixPaddingMs
		if start < 0 {
			start = 0
		}
		return VADEvent{Kind: SpeechStarted, AtMs: start}, true
	}

	if voiced {
		d.silentMs = 0
		return VADEvent{}, false
	}
	d.silentMs += frameMs
	if d.silentMs < d.cfg.SilenceDurationMs {
		return VADEvent{}, false
	}
	d.speaking = false
	d.voiced = 0
	d.votes = d.votes[:0]
	end := d.frames*frameMs - d.silentMs
	d.silentMs = 0
	return VADEvent{Kind: SpeechStopped, AtMs: end}, true
}

func (d *Detector) vote(b bool) bool {
	d.votes = append(d.votes, b)
	if len(d.votes) > voteFrames {
		d.votes = d.votes[len(d.votes)-voteFrames:]
	}
	n := 0
	for _, v := range d.votes {
		if v {
			n++
		}
	}
	return n*2 >= len(d.votes)
}

// Level maps the RMS of frame onto [0,1], where 0 is -60 dBFS or quieter and
// 1 is full scale.
func Level(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum/float64(len(frame))) / 32768
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	level := (db + 60) / 60
	switch {
	case level < 0:
		return 0
	case level > 1:
		return 1
	default:
		return level
	}
}
