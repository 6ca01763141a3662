package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	defaultFFmpegBinary = "ffmpeg"
	defaultReadSize     = 3200
)

// FFmpeg is a [Transcoder] backed by one ffmpeg child process per
// conversion.
type FFmpeg struct {
	binary   string
	readSize int
}

// FFmpegOption configures an [FFmpeg] transcoder.
type FFmpegOption func(*FFmpeg)

// WithBinary sets the ffmpeg executable. Defaults to "ffmpeg" on PATH.
func WithBinary(path string) FFmpegOption {
	return func(f *FFmpeg) { f.binary = path }
}

// WithReadSize sets the size of the reads from ffmpeg's stdout, which bounds
// the size of each emitted chunk.
func WithReadSize(n int) FFmpegOption {
	return func(f *FFmpeg) {
		if n > 0 {
			f.readSize = n
		}
	}
}

// NewFFmpeg returns an ffmpeg-backed transcoder.
func NewFFmpeg(opts ...FFmpegOption) *FFmpeg {
	f := &FFmpeg{binary: defaultFFmpegBinary, readSize: defaultReadSize}
	for _, o := range opts {
		o(f)
	}
	return f
}

var _ Transcoder = (*FFmpeg)(nil)

// Transcode starts an ffmpeg process that reads in on stdin and emits the
// converted audio on the returned Stream. The process is killed when ctx is
// cancelled or the Stream is closed.
func (f *FFmpeg) Transcode(ctx context.Context, in io.Reader, from, to Format) (*Stream, error) {
	args, err := ffmpegArgs(from, to)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	proc, err := StartProcess(ctx, Command{Name: f.binary, Args: args})
	if err != nil {
		cancel()
		return nil, err
	}

	s := newStream(cancel)

	go func() {
		_, _ = io.Copy(proc.Stdin(), in)
		_ = proc.Stdin().Close()
	}()

	go func() {
		defer proc.Close()
		buf := make([]byte, f.readSize)
		for {
			n, rerr := proc.Stdout().Read(buf)
			if n > 0 {
				if !s.send(ctx, bytes.Clone(buf[:n])) {
					s.finish(ctx.Err())
					return
				}
			}
			if rerr != nil {
				switch {
				case ctx.Err() != nil:
					s.finish(ctx.Err())
				case errors.Is(rerr, io.EOF):
					s.finish(proc.Wait())
				default:
					s.finish(&TranscodeFailure{Op: f.binary, ExitCode: -1, Err: rerr, Stderr: proc.Stderr()})
				}
				return
			}
		}
	}()

	return s, nil
}

// TranscodeBuffer runs a one-shot ffmpeg conversion of b.
func (f *FFmpeg) TranscodeBuffer(ctx context.Context, b []byte, from, to Format) ([]byte, error) {
	s, err := f.Transcode(ctx, bytes.NewReader(b), from, to)
	if err != nil {
		return nil, err
	}
	return collect(s)
}

// ffmpegArgs builds the command line for a conversion between from and to.
// Raw Opus packets carry no container framing, so ffmpeg cannot read or
// write them over a pipe.
func ffmpegArgs(from, to Format) ([]string, error) {
	if from.Encoding == EncodingOpus || to.Encoding == EncodingOpus {
		return nil, fmt.Errorf("%w: ffmpeg cannot pipe raw opus", ErrUnsupported)
	}
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	switch from.Encoding {
	case EncodingMulaw:
		args = append(args, "-f", "mulaw", "-ar", itoa(from.SampleRate), "-ac", itoa(from.Channels))
	case EncodingPCM16:
		args = append(args, "-f", "s16le", "-ar", itoa(from.SampleRate), "-ac", itoa(from.Channels))
	case EncodingMP3:
		args = append(args, "-f", "mp3")
	}
	args = append(args, "-i", "pipe:0")

	switch to.Encoding {
	case EncodingMulaw:
		args = append(args, "-f", "mulaw", "-acodec", "pcm_mulaw")
	case EncodingPCM16:
		args = append(args, "-f", "s16le", "-acodec", "pcm_s16le")
	case EncodingMP3:
		args = append(args, "-f", "mp3")
	}
	args = append(args, "-ar", itoa(to.SampleRate), "-ac", itoa(to.Channels), "pipe:1")
	return args, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
