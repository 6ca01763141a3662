package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Native is an in-process [Transcoder] for the uncompressed encodings
// (PCM16 and mu-law) at up to two channels. Compressed encodings yield
// [ErrUnsupported], so Native is normally chained in front of [FFmpeg].
type Native struct{}

// NewNative returns an in-process transcoder.
func NewNative() *Native {
	return &Native{}
}

var _ Transcoder = (*Native)(nil)

// Transcode converts in on a background goroutine.
func (n *Native) Transcode(ctx context.Context, in io.Reader, from, to Format) (*Stream, error) {
	conv, err := newConverter(from, to)
	if err != nil {
		return nil, err
	}

	return NewPipeStream(ctx, in, conv.convert)
}

// TranscodeBuffer converts b synchronously.
func (n *Native) TranscodeBuffer(ctx context.Context, b []byte, from, to Format) ([]byte, error) {
	conv, err := newConverter(from, to)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return conv.convert(b)
}

// converter carries the per-stream state of a native conversion: a partial
// input frame held over between reads and the resampler filter state.
type converter struct {
	from, to Format
	rs       *Resampler
	carry    []byte
}

func newConverter(from, to Format) (*converter, error) {
	for _, f := range []Format{from, to} {
		if f.Encoding != EncodingPCM16 && f.Encoding != EncodingMulaw {
			return nil, fmt.Errorf("%w: native %s", ErrUnsupported, f.Encoding)
		}
		if f.Channels > 2 {
			return nil, fmt.Errorf("%w: native %d channels", ErrUnsupported, f.Channels)
		}
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	rs, err := NewResampler(from.SampleRate, to.SampleRate, min(from.Channels, to.Channels))
	if err != nil {
		return nil, err
	}
	return &converter{from: from, to: to, rs: rs}, nil
}

func (c *converter) convert(b []byte) ([]byte, error) {
	frame := c.from.bytesPerSample() * c.from.Channels
	data := b
	if len(c.carry) > 0 {
		data = append(c.carry, b...)
		c.carry = nil
	}
	if rem := len(data) % frame; rem != 0 {
		c.carry = bytes.Clone(data[len(data)-rem:])
		data = data[:len(data)-rem]
	}
	if len(data) == 0 {
		return nil, nil
	}

	pcm := data
	if c.from.Encoding == EncodingMulaw {
		pcm = MulawDecode(data)
	}

	// Down-mix before resampling so the filter runs on fewer samples.
	if c.from.Channels == 2 && c.to.Channels == 1 {
		pcm = StereoToMono(pcm)
	}
	pcm, err := c.rs.Process(pcm)
	if err != nil {
		return nil, err
	}
	if c.from.Channels == 1 && c.to.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}

	if c.to.Encoding == EncodingMulaw {
		return MulawEncode(pcm), nil
	}
	if c.from.Encoding == EncodingPCM16 && len(pcm) > 0 && &pcm[0] == &data[0] {
		return bytes.Clone(pcm), nil
	}
	return pcm, nil
}
