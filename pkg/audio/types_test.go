package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestFormat_ChunkSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		format audio.Format
		d      time.Duration
		want   int
	}{
		{name: "telephony 20ms", format: audio.Telephony, d: 20 * time.Millisecond, want: 160},
		{name: "speech 20ms", format: audio.Speech, d: 20 * time.Millisecond, want: 640},
		{name: "speech 200ms", format: audio.Speech, d: 200 * time.Millisecond, want: 6400},
		{name: "stereo 48k 10ms", format: audio.Format{Encoding: audio.EncodingPCM16, SampleRate: 48000, Channels: 2}, d: 10 * time.Millisecond, want: 1920},
		{name: "mp3 has no fixed chunk", format: audio.Format{Encoding: audio.EncodingMP3, SampleRate: 44100, Channels: 1}, d: time.Second, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.format.ChunkSize(tt.d); got != tt.want {
				t.Errorf("ChunkSize(%v) = %d, want %d", tt.d, got, tt.want)
			}
		})
	}
}

func TestFormat_Silence(t *testing.T) {
	t.Parallel()
	for _, b := range audio.Telephony.Silence(4) {
		if b != 0xFF {
			t.Fatalf("mulaw silence byte = %#x, want 0xff", b)
		}
	}
	for _, b := range audio.Speech.Silence(4) {
		if b != 0 {
			t.Fatalf("pcm silence byte = %#x, want 0", b)
		}
	}
}

func TestFormat_Validate(t *testing.T) {
	t.Parallel()
	if err := audio.Speech.Validate(); err != nil {
		t.Errorf("Speech.Validate() = %v", err)
	}
	bad := []audio.Format{
		{Encoding: "wav", SampleRate: 8000, Channels: 1},
		{Encoding: audio.EncodingPCM16, SampleRate: 0, Channels: 1},
		{Encoding: audio.EncodingPCM16, SampleRate: 8000, Channels: 0},
	}
	for _, f := range bad {
		if err := f.Validate(); err == nil {
			t.Errorf("Validate(%v) = nil, want error", f)
		}
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	if got, want := audio.Speech.String(), "pcm16/16000Hz mono"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
