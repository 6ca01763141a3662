// Package audio holds the audio formats, codecs and transcoders used by the
// voice pipeline.
//
// The central abstraction is [Transcoder]: it converts one raw-audio
// representation into another, either for a single buffer (synthesized
// replies) or for an unbounded stream (a caller's microphone). Two
// implementations ship with the package: [FFmpeg], which drives an ffmpeg
// subprocess through the managed [Process] type, and [Native], which handles
// the PCM, mu-law and Opus paths in-process.
package audio

import (
	"fmt"
	"time"
)

// Encoding names the sample encoding of an audio stream.
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little-endian linear PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingMulaw is 8-bit G.711 mu-law, the telephony wire format.
	EncodingMulaw Encoding = "mulaw"

	// EncodingMP3 is an MPEG layer III bitstream.
	EncodingMP3 Encoding = "mp3"

	// EncodingOpus is a sequence of raw Opus packets, one per frame.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingMulaw, EncodingMP3, EncodingOpus:
		return true
	}
	return false
}

// Format describes the encoding, sample rate and channel count of an audio
// stream.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

// Common formats.
var (
	// Telephony is 8 kHz mono mu-law, used by telephony media streams.
	Telephony = Format{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}

	// Speech is 16 kHz mono PCM, the format consumed by the voice-activity
	// segmenter and the transcription service.
	Speech = Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 1}
)

// String returns a human-readable description such as "pcm16/16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%s/%dHz %s", f.Encoding, f.SampleRate, ch)
}

// bytesPerSample returns the byte width of one sample of one channel, or 0
// for compressed encodings.
func (f Format) bytesPerSample() int {
	switch f.Encoding {
	case EncodingPCM16:
		return 2
	case EncodingMulaw:
		return 1
	}
	return 0
}

// BytesPerSecond returns the byte rate of an uncompressed format, or 0 for
// compressed encodings.
func (f Format) BytesPerSecond() int {
	return f.bytesPerSample() * f.SampleRate * max(f.Channels, 1)
}

// ChunkSize returns the number of bytes that hold d worth of audio in f.
// The result is rounded down to a whole frame. For compressed encodings it
// returns 0.
func (f Format) ChunkSize(d time.Duration) int {
	frame := f.bytesPerSample() * max(f.Channels, 1)
	if frame == 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n / frame * frame
}

// Silence returns n bytes of digital silence in f.
func (f Format) Silence(n int) []byte {
	buf := make([]byte, n)
	if f.Encoding == EncodingMulaw {
		for i := range buf {
			buf[i] = mulawSilence
		}
	}
	return buf
}

// Validate returns an error describing the first problem with f.
func (f Format) Validate() error {
	if !f.Encoding.IsValid() {
		return fmt.Errorf("audio: unknown encoding %q", f.Encoding)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be > 0, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channels must be > 0, got %d", f.Channels)
	}
	return nil
}
