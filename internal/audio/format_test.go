package audio

import (
	"testing"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

func TestG711KnownValues(t *testing.T) {
	if got := ulawEncode(0); got != 0xFF {
		t.Fatalf("ulawEncode(0) = %#x, want 0xff", got)
	}
	if got := alawEncode(0); got != 0xD5 {
		t.Fatalf("alawEncode(0) = %#x, want 0xd5", got)
	}
}

func TestG711RoundTripWithinQuantization(t *testing.T) {
	for _, f := range []protocol.AudioFormat{protocol.AudioFormatG711ULaw, protocol.AudioFormatG711ALaw} {
		for _, s := range []int16{-32000, -8000, -1000, -100, 0, 100, 1000, 8000, 32000} {
			enc, err := Encode(f, []int16{s})
			if err != nil {
				t.Fatalf("Encode(%s) error = %v", f, err)
			}
			dec, err := Decode(f, enc)
			if err != nil {
				t.Fatalf("Decode(%s) error = %v", f, err)
			}
			diff := int(dec[0]) - int(s)
			if diff < 0 {
				diff = -diff
			}
			limit := int(s)
			if limit < 0 {
				limit = -limit
			}
			limit = limit/16 + 16
			if diff > limit {
				t.Fatalf("%s round trip of %d = %d, error %d exceeds %d", f, s, dec[0], diff, limit)
			}
		}
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := BytesToSamples(SamplesToBytes(in))
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
}

func TestResampleLength(t *testing.T) {
	in := make([]int16, 1600)
	if got := len(Resample(in, 16000, 24000)); got != 2400 {
		t.Fatalf("len(Resample 16k->24k) = %d, want 2400", got)
	}
	if got := len(Resample(in, 16000, 8000)); got != 800 {
		t.Fatalf("len(Resample 16k->8k) = %d, want 800", got)
	}
}

func TestBytesPerMs(t *testing.T) {
	if BytesPerMs(protocol.AudioFormatPCM16) != 48 {
		t.Fatalf("pcm16 bytes/ms = %d, want 48", BytesPerMs(protocol.AudioFormatPCM16))
	}
	if BytesPerMs(protocol.AudioFormatG711ULaw) != 8 {
		t.Fatalf("g711 bytes/ms = %d, want 8", BytesPerMs(protocol.AudioFormatG711ULaw))
	}
}
