package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusFrameDuration is the packet duration browsers use for Opus audio, in
// milliseconds.
const opusFrameDuration = 20

// OpusDecoder decodes a sequence of raw Opus packets from one source into
// 16-bit PCM. Decoder state carries across packets, so each source needs its
// own decoder.
type OpusDecoder struct {
	dec       *gopus.Decoder
	format    Format
	frameSize int
}

// NewOpusDecoder returns a decoder producing PCM16 at the given rate and
// channel count. Opus supports 8, 12, 16, 24 and 48 kHz output.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:       dec,
		format:    Format{Encoding: EncodingPCM16, SampleRate: sampleRate, Channels: channels},
		frameSize: sampleRate * opusFrameDuration / 1000,
	}, nil
}

// Format returns the PCM format the decoder emits.
func (d *OpusDecoder) Format() Format { return d.format }

// Decode decodes one Opus packet into little-endian PCM16.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	// Allow up to 120 ms per packet, the Opus maximum.
	pcm, err := d.dec.Decode(packet, d.frameSize*6, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		putSample(out, i, s)
	}
	return out, nil
}

// OpusEncoder encodes 20 ms PCM16 frames into Opus packets for browsers that
// take Opus output.
type OpusEncoder struct {
	enc       *gopus.Encoder
	format    Format
	frameSize int
}

// NewOpusEncoder returns an encoder for PCM16 input at the given rate and
// channel count, tuned for speech.
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:       enc,
		format:    Format{Encoding: EncodingPCM16, SampleRate: sampleRate, Channels: channels},
		frameSize: sampleRate * opusFrameDuration / 1000,
	}, nil
}

// Format returns the PCM format the encoder takes.
func (e *OpusEncoder) Format() Format { return e.format }

// FrameBytes returns the PCM byte length of one encoder frame.
func (e *OpusEncoder) FrameBytes() int {
	return e.frameSize * e.format.Channels * 2
}

// Encode encodes exactly one frame of PCM16; shorter input is padded with
// silence.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if n := e.FrameBytes(); len(pcm) < n {
		padded := make([]byte, n)
		copy(padded, pcm)
		pcm = padded
	}
	samples := make([]int16, e.frameSize*e.format.Channels)
	for i := range samples {
		samples[i] = sampleAt(pcm, i)
	}
	packet, err := e.enc.Encode(samples, e.frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}
