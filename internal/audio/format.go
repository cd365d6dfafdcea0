package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

// Sample rates of the wire formats. pcm16 is 24 kHz mono little-endian,
// both G.711 variants are 8 kHz with one byte per sample.
const (
	PCM16SampleRate = 24000
	G711SampleRate  = 8000
)

func SampleRate(f protocol.AudioFormat) int {
	switch f {
	case protocol.AudioFormatG711ULaw, protocol.AudioFormatG711ALaw:
		return G711SampleRate
	default:
		return PCM16SampleRate
	}
}

// BytesPerMs is the byte rate of one millisecond of audio in format f.
func BytesPerMs(f protocol.AudioFormat) int {
	switch f {
	case protocol.AudioFormatG711ULaw, protocol.AudioFormatG711ALaw:
		return G711SampleRate / 1000
	default:
		return PCM16SampleRate * 2 / 1000
	}
}

func DurationMs(f protocol.AudioFormat, n int) int {
	return n / BytesPerMs(f)
}

func ValidFormat(f protocol.AudioFormat) bool {
	switch f {
	case protocol.AudioFormatPCM16, protocol.AudioFormatG711ULaw, protocol.AudioFormatG711ALaw:
		return true
	default:
		return false
	}
}

// Decode converts wire bytes into linear samples.
func Decode(f protocol.AudioFormat, data []byte) ([]int16, error) {
	switch f {
	case protocol.AudioFormatPCM16, "":
		return BytesToSamples(data), nil
	case protocol.AudioFormatG711ULaw:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = ulawDecode(b)
		}
		return out, nil
	case protocol.AudioFormatG711ALaw:
		out := make([]int16, len(data))
		for i, b := range data {
			out[i] = alawDecode(b)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported audio format %q", f)
	}
}

// Encode converts linear samples into wire bytes.
func Encode(f protocol.AudioFormat, samples []int16) ([]byte, error) {
	switch f {
	case protocol.AudioFormatPCM16, "":
		return SamplesToBytes(samples), nil
	case protocol.AudioFormatG711ULaw:
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = ulawEncode(s)
		}
		return out, nil
	case protocol.AudioFormatG711ALaw:
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = alawEncode(s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported audio format %q", f)
	}
}

// BytesToSamples reads little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(samples[j])*(1-frac) + float64(samples[j+1])*frac)
	}
	return out
}

const (
	ulawBias = 0x84
	ulawClip = 32635
)

func ulawEncode(s int16) byte {
	sample := int(s)
	sign := 0
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > ulawClip {
		sample = ulawClip
	}
	sample += ulawBias
	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func ulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)
	sample := ((mantissa << 3) + ulawBias) << exponent
	sample -= ulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func alawEncode(s int16) byte {
	sample := int(s)
	sign := 0x80
	if sample < 0 {
		sign = 0
		sample = -sample - 1
	}
	if sample > 32767 {
		sample = 32767
	}
	var out int
	if sample < 256 {
		out = sample >> 4
	} else {
		exponent := 7
		for mask := 0x4000; sample&mask == 0 && exponent > 1; mask >>= 1 {
			exponent--
		}
		mantissa := (sample >> (exponent + 3)) & 0x0F
		out = exponent<<4 | mantissa
	}
	return byte(sign|out) ^ 0x55
}

func alawDecode(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)
	var sample int
	if exponent == 0 {
		sample = mantissa<<4 + 8
	} else {
		sample = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if sign == 0 {
		return int16(-sample)
	}
	return int16(sample)
}
