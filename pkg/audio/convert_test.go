package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// sine returns n samples of a 440 Hz tone at the given rate.
func sine(n, rate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, -200, 300})))
	want := []int16{100, 100, -200, -200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	t.Parallel()
	out := audio.MonoToStereo([]byte{1, 2, 3})
	if len(out) != 4 {
		t.Fatalf("got %d bytes, want 4 (trailing byte ignored)", len(out))
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{name: "average", in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "max", in: []int16{32767, 32767}, want: []int16{32767}},
		{name: "min", in: []int16{-32768, -32768}, want: []int16{-32768}},
		{name: "partial frame dropped", in: []int16{10, 20, 30}, want: []int16{15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.StereoToMono(samplesToBytes(tt.in)))
			if len(got) != len(tt.want) {
				t.Fatalf("length mismatch: got %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResample_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out, err := audio.Resample(pcm, 16000, 16000, 1)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if string(out) != string(pcm) {
		t.Error("same-rate resample changed the input")
	}
}

func TestResample_InvalidRate(t *testing.T) {
	t.Parallel()
	if _, err := audio.NewResampler(0, 16000, 1); err == nil {
		t.Error("expected error for zero input rate")
	}
	if _, err := audio.NewResampler(8000, -1, 1); err == nil {
		t.Error("expected error for negative output rate")
	}
}

func TestResampler_UpsampleRatio(t *testing.T) {
	t.Parallel()
	rs, err := audio.NewResampler(8000, 16000, 1)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}

	// One second of input in 20 ms blocks.
	tone := sine(8000, 8000)
	total := 0
	for off := 0; off < len(tone); off += 160 {
		out, err := rs.Process(samplesToBytes(tone[off : off+160]))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(out)%2 != 0 {
			t.Fatalf("odd output length %d", len(out))
		}
		total += len(out) / 2
	}

	// Filter latency holds back a little output; the rest must match 2x.
	if total < 16000*8/10 || total > 16000*105/100 {
		t.Errorf("got %d output samples for 1s at 16kHz", total)
	}
}
