package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps mono PCM16LE bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	_ = WriteWAV(&buf, pcm, sampleRate)
	return buf.Bytes()
}

// WriteWAVFile writes mono PCM16LE bytes as a WAV file.
func WriteWAVFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, pcm, sampleRate); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = PCM16SampleRate
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + uint32(len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// DecodeWAV extracts 16-bit PCM from a RIFF/WAVE file, downmixing to mono.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt    bool
		format     uint16
		channels   uint16
		sampleRate int
		bits       uint16
		pcm        []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			format = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bits = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcm = chunk
		}
		off += size + size%2
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcm) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case format != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", format)
	case bits != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bits)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = PCM16SampleRate
	}

	samples := BytesToSamples(pcm)
	if channels > 1 {
		frames := len(samples) / int(channels)
		mono := make([]int16, frames)
		for i := range mono {
			sum := 0
			for ch := 0; ch < int(channels); ch++ {
				sum += int(samples[i*int(channels)+ch])
			}
			mono[i] = int16(sum / int(channels))
		}
		samples = mono
	}
	return SamplesToBytes(samples), sampleRate, nil
}
