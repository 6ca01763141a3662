package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		copy(out[i*2:], pcm[i:i+2])
		copy(out[i*2+2:], pcm[i:i+2])
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// Resampler converts 16-bit PCM between sample rates. It keeps filter state
// between calls, so one Resampler must be used per stream and must not be
// shared across goroutines.
type Resampler struct {
	from, to int
	channels int
	r        resampling.Resampler
}

// NewResampler returns a Resampler from one rate to another for interleaved
// PCM with the given channel count. When from equals to, Process is a no-op.
func NewResampler(from, to, channels int) (*Resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", from, to)
	}
	rs := &Resampler{from: from, to: to, channels: max(channels, 1)}
	if from == to {
		return rs, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   rs.channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}
	rs.r = r
	return rs, nil
}

// Process resamples one block of little-endian int16 PCM. Output may be
// shorter than the ideal ratio for the first blocks while the filter fills.
func (rs *Resampler) Process(pcm []byte) ([]byte, error) {
	if rs.r == nil || len(pcm) < 2 {
		return pcm, nil
	}
	n := len(pcm) / 2
	n -= n % rs.channels
	in := make([]float64, n)
	for i := range in {
		in[i] = float64(sampleAt(pcm, i)) / 32768.0
	}
	out, err := rs.r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	buf := make([]byte, len(out)*2)
	for i, s := range out {
		putSample(buf, i, clamp16(int32(s*32767.0)))
	}
	return buf, nil
}

// Resample converts a complete PCM buffer in one call.
func Resample(pcm []byte, from, to, channels int) ([]byte, error) {
	rs, err := NewResampler(from, to, channels)
	if err != nil {
		return nil, err
	}
	return rs.Process(pcm)
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(buf []byte, i int, s int16) {
	buf[i*2] = byte(s)
	buf[i*2+1] = byte(s >> 8)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
