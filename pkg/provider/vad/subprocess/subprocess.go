// Package subprocess provides a [vad.Segmenter] that delegates voice-activity
// detection to an external process.
//
// The child reads raw 16-bit PCM on stdin and writes one JSON object per line
// on stdout:
//
//	{"event": "speech_start", "chunk": "<hex pcm>"}
//	{"event": "speech", "chunk": "<hex pcm>"}
//	{"event": "speech_end"}
//
// A line may carry both an event and a chunk. The chunk on a speech_start line
// is the prefix audio from just before the detected start. Stream parameters
// are passed to the child as VAD_SAMPLE_RATE, VAD_THRESHOLD and
// VAD_PREFIX_MS environment variables.
package subprocess

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

const (
	defaultEventBuffer = 64
	maxLineBytes       = 1 << 20
)

// Segmenter launches one child process per stream.
type Segmenter struct {
	command     string
	args        []string
	env         []string
	eventBuffer int
	log         *slog.Logger
}

// Option is a functional option for configuring a Segmenter.
type Option func(*Segmenter)

// WithArgs sets the arguments passed to the command.
func WithArgs(args ...string) Option {
	return func(s *Segmenter) { s.args = args }
}

// WithEnv appends KEY=value pairs to the child's environment.
func WithEnv(env ...string) Option {
	return func(s *Segmenter) { s.env = append(s.env, env...) }
}

// WithEventBuffer sets the capacity of each stream's event channel.
func WithEventBuffer(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// WithLogger sets the logger for streams started without
// [vad.Config.Logger]. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Segmenter that runs command for every stream.
func New(command string, opts ...Option) (*Segmenter, error) {
	if command == "" {
		return nil, errors.New("vad subprocess: command must not be empty")
	}
	s := &Segmenter{command: command, eventBuffer: defaultEventBuffer, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

var _ vad.Segmenter = (*Segmenter)(nil)

// Start launches the child and begins parsing its output.
func (s *Segmenter) Start(ctx context.Context, cfg vad.Config) (vad.Stream, error) {
	env := append([]string(nil), s.env...)
	if cfg.SampleRate > 0 {
		env = append(env, "VAD_SAMPLE_RATE="+strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Threshold > 0 {
		env = append(env, "VAD_THRESHOLD="+strconv.FormatFloat(cfg.Threshold, 'f', -1, 64))
	}
	if cfg.PrefixPadding > 0 {
		env = append(env, "VAD_PREFIX_MS="+strconv.FormatInt(cfg.PrefixPadding.Milliseconds(), 10))
	}

	ctx, cancel := context.WithCancel(ctx)
	proc, err := audio.StartProcess(ctx, audio.Command{Name: s.command, Args: s.args, Env: env})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("vad subprocess: %w", err)
	}

	log := s.log
	if cfg.Logger != nil {
		log = cfg.Logger
	}
	st := &stream{
		log:    log.With("component", "vad"),
		proc:   proc,
		cancel: cancel,
		events: make(chan vad.Event, s.eventBuffer),
		done:   make(chan struct{}),
	}
	go st.readLoop(ctx)
	return st, nil
}

// line is one JSON record from the child.
type line struct {
	Event string `json:"event"`
	Chunk string `json:"chunk"`
}

type stream struct {
	log    *slog.Logger
	proc   *audio.Process
	cancel context.CancelFunc
	events chan vad.Event
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
}

// Write sends PCM to the child's stdin.
func (st *stream) Write(pcm []byte) (int, error) {
	select {
	case <-st.done:
		if err := st.Err(); err != nil {
			return 0, err
		}
		return 0, vad.ErrClosed
	default:
	}
	n, err := st.proc.Stdin().Write(pcm)
	if err != nil {
		if e := st.Err(); e != nil {
			return n, e
		}
		return n, fmt.Errorf("vad subprocess: write: %w", err)
	}
	return n, nil
}

func (st *stream) Events() <-chan vad.Event { return st.events }

func (st *stream) Done() <-chan struct{} { return st.done }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Close kills the child and waits for the reader to finish.
func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		st.cancel()
		_ = st.proc.Close()
	})
	<-st.done
	return nil
}

func (st *stream) readLoop(ctx context.Context) {
	defer close(st.done)
	defer close(st.events)
	defer st.proc.Close()

	sc := bufio.NewScanner(st.proc.Stdout())
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	inSpeech := false
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			st.log.Warn("vad subprocess: skipping malformed line", "err", err)
			continue
		}
		var chunk []byte
		if l.Chunk != "" {
			b, err := hex.DecodeString(l.Chunk)
			if err != nil {
				st.log.Warn("vad subprocess: skipping line with bad chunk", "event", l.Event, "err", err)
				continue
			}
			chunk = b
		}

		var out []vad.Event
		switch l.Event {
		case "speech_start":
			if !inSpeech {
				inSpeech = true
				out = append(out, vad.Event{Type: vad.SpeechStart})
			}
			out = appendChunk(out, chunk)
		case "speech", "":
			out = appendChunk(out, chunk)
		case "speech_end":
			out = appendChunk(out, chunk)
			if inSpeech {
				inSpeech = false
				out = append(out, vad.Event{Type: vad.SpeechEnd})
			}
		default:
			st.log.Warn("vad subprocess: unknown event", "event", l.Event)
			continue
		}

		for _, ev := range out {
			select {
			case st.events <- ev:
			case <-ctx.Done():
				st.setExitErr(ctx.Err())
				return
			}
		}
	}

	scanErr := sc.Err()
	waitErr := st.proc.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	switch {
	case scanErr != nil:
		st.err = fmt.Errorf("vad subprocess: read output: %w", scanErr)
	case waitErr != nil:
		st.err = fmt.Errorf("vad subprocess: %w", waitErr)
	default:
		st.err = errors.New("vad subprocess: process exited")
	}
}

func (st *stream) setExitErr(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed && st.err == nil {
		st.err = fmt.Errorf("vad subprocess: %w", err)
	}
}

func appendChunk(out []vad.Event, chunk []byte) []vad.Event {
	if len(chunk) == 0 {
		return out
	}
	return append(out, vad.Event{Type: vad.AudioChunk, Audio: chunk})
}
