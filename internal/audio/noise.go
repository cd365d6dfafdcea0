package audio

import (
	"math"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

// NoiseReducer filters input audio before turn detection and storage.
// near_field applies a one-pole high-pass to remove rumble and DC;
// far_field adds an adaptive gate that attenuates frames near the tracked
// noise floor.
type NoiseReducer struct {
	kind protocol.NoiseReductionType

	alpha float64
	prevX float64
	prevY float64

	floor    float64
	frameLen int
}

const (
	highPassCutoffHz = 100.0
	gateMarginDB     = 6.0
	gateAttenuation  = 0.1
	// -50 dBFS on the Level scale.
	initialNoiseFloor = 10.0 / 60
)

// NewNoiseReducer returns nil when kind is empty; a nil reducer passes audio
// through unchanged.
func NewNoiseReducer(kind protocol.NoiseReductionType, sampleRate int) *NoiseReducer {
	if kind == "" {
		return nil
	}
	if sampleRate <= 0 {
		sampleRate = PCM16SampleRate
	}
	rc := 1 / (2 * math.Pi * highPassCutoffHz)
	dt := 1 / float64(sampleRate)
	return &NoiseReducer{
		kind:     kind,
		alpha:    rc / (rc + dt),
		floor:    initialNoiseFloor,
		frameLen: sampleRate * frameMs / 1000,
	}
}

func (n *NoiseReducer) Kind() protocol.NoiseReductionType {
	if n == nil {
		return ""
	}
	return n.kind
}

// Process filters samples in place and returns them.
func (n *NoiseReducer) Process(samples []int16) []int16 {
	if n == nil || len(samples) == 0 {
		return samples
	}
	for i, s := range samples {
		x := float64(s)
		y := n.alpha * (n.prevY + x - n.prevX)
		n.prevX = x
		n.prevY = y
		samples[i] = clamp16(y)
	}
	if n.kind == protocol.NoiseReductionFarField {
		n.gate(samples)
	}
	return samples
}

func (n *NoiseReducer) gate(samples []int16) {
	for off := 0; off < len(samples); off += n.frameLen {
		end := off + n.frameLen
		if end > len(samples) {
			end = len(samples)
		}
		frame := samples[off:end]
		level := Level(frame)
		if level < n.floor {
			n.floor = 0.7*n.floor + 0.3*level
		} else {
			n.floor = 0.999*n.floor + 0.001*level
		}
		if level*60 < n.floor*60+gateMarginDB {
			for i := range frame {
				frame[i] = int16(float64(frame[i]) * gateAttenuation)
			}
		}
	}
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
