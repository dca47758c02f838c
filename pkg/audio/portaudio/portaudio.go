// Package portaudio implements [audio.Platform] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// PortAudio offers no echo cancellation, noise suppression, or automatic gain
// control; those [audio.InputConfig] toggles are logged once and otherwise
// ignored. When the default device rejects the requested sample rate the
// stream is reopened at the device's native rate and the caller converts.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fidelai/fidel/pkg/audio"
	pa "github.com/gordonklaus/portaudio"
)

var _ audio.Platform = (*Platform)(nil)

const defaultFramesPerBuffer = 1024

// Platform is the PortAudio backend. Create it once per process with [New]
// and release it with [Platform.Close].
type Platform struct {
	mu          sync.Mutex
	initialised bool
	warnOnce    sync.Once
}

// New initialises PortAudio.
func New() (*Platform, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Platform{initialised: true}, nil
}

// Ready reports an error when the backend has been closed or the host has no
// default input device. Used by readiness checks.
func (p *Platform) Ready(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialised {
		return errors.New("portaudio: not initialised")
	}
	if _, err := pa.DefaultInputDevice(); err != nil {
		return fmt.Errorf("portaudio: default input: %w", err)
	}
	return nil
}

// Close terminates PortAudio. Streams must be closed first. Idempotent.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialised {
		return nil
	}
	p.initialised = false
	return pa.Terminate()
}

// OpenInput implements [audio.Platform].
func (p *Platform) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		p.warnOnce.Do(func() {
			slog.Info("portaudio: input processing toggles are not supported by this backend",
				"echo_cancellation", cfg.EchoCancellation,
				"noise_suppression", cfg.NoiseSuppression,
				"auto_gain_control", cfg.AutoGainControl,
			)
		})
	}

	dev, err := pa.DefaultInputDevice()
	if err != nil || dev == nil || dev.MaxInputChannels < 1 {
		return nil, &audio.PermissionError{Device: "input", Err: errors.Join(audio.ErrNoDevice, err)}
	}

	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = cfg.Format.Channels
	params.FramesPerBuffer = frames

	s, err := openStream(ctx, params, cfg.Format, dev.DefaultSampleRate, true)
	if err != nil {
		return nil, err
	}
	return &inputStream{stream: s}, nil
}

// OpenOutput implements [audio.Platform].
func (p *Platform) OpenOutput(ctx context.Context, cfg audio.OutputConfig) (audio.OutputStream, error) {
	dev, err := pa.DefaultOutputDevice()
	if err != nil || dev == nil || dev.MaxOutputChannels < 1 {
		return nil, &audio.PermissionError{Device: "output", Err: errors.Join(audio.ErrNoDevice, err)}
	}

	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	params := pa.LowLatencyParameters(nil, dev)
	params.Output.Channels = cfg.Format.Channels
	params.FramesPerBuffer = frames

	s, err := openStream(ctx, params, cfg.Format, dev.DefaultSampleRate, false)
	if err != nil {
		return nil, err
	}
	return &outputStream{stream: s}, nil
}

// ── stream plumbing ───────────────────────────────────────────────────────────

// stream wraps a started PortAudio blocking stream and its bound buffer.
type stream struct {
	pa     *pa.Stream
	buf    []float32
	format audio.Format

	mu       sync.Mutex
	stopped  bool
	released bool
}

// openStream opens and starts a blocking stream. If the device rejects the
// requested rate it retries once at nativeRate.
func openStream(ctx context.Context, params pa.StreamParameters, want audio.Format, nativeRate float64, input bool) (*stream, error) {
	kind := "output"
	if input {
		kind = "input"
	}

	try := func(rate float64) (*stream, error) {
		params.SampleRate = rate
		buf := make([]float32, params.FramesPerBuffer*want.Channels)
		s, err := pa.OpenStream(params, buf)
		if err != nil {
			return nil, err
		}
		return &stream{
			pa:     s,
			buf:    buf,
			format: audio.Format{SampleRate: int(rate), Channels: want.Channels},
		}, nil
	}

	s, err := try(float64(want.SampleRate))
	if errors.Is(err, pa.InvalidSampleRate) && nativeRate > 0 {
		slog.Info("portaudio: requested rate rejected, using device rate",
			"kind", kind, "requested", want.SampleRate, "device", nativeRate)
		s, err = try(nativeRate)
	}
	if err != nil {
		if errors.Is(err, pa.InvalidDevice) || errors.Is(err, pa.DeviceUnavailable) {
			return nil, &audio.PermissionError{Device: kind, Err: err}
		}
		return nil, fmt.Errorf("portaudio: open %s: %w", kind, err)
	}

	if err := ctx.Err(); err != nil {
		_ = s.pa.Close()
		return nil, err
	}
	if err := s.pa.Start(); err != nil {
		_ = s.pa.Close()
		return nil, fmt.Errorf("portaudio: start %s: %w", kind, err)
	}
	return s, nil
}

func (s *stream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// stop aborts the stream so a blocked Read or Write returns. The stream and
// its bound buffer stay allocated until release.
func (s *stream) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *stream) stopLocked() error {
	if s.stopped {
		return nil
	}
	s.stopped = true
	if err := s.pa.Abort(); err != nil && !errors.Is(err, pa.StreamIsStopped) {
		return fmt.Errorf("portaudio: abort: %w", err)
	}
	return nil
}

// release frees the PortAudio stream. No goroutine may be inside Read or
// Write when it runs.
func (s *stream) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	stopErr := s.stopLocked()
	return errors.Join(stopErr, s.pa.Close())
}

// ── input ─────────────────────────────────────────────────────────────────────

type inputStream struct {
	stream *stream
	rest   []float32
}

// Read fills buf from the device, one PortAudio block at a time.
func (in *inputStream) Read(buf []float32) error {
	n := copy(buf, in.rest)
	in.rest = in.rest[n:]
	for n < len(buf) {
		if in.stream.isStopped() {
			return audio.ErrStreamClosed
		}
		err := in.stream.pa.Read()
		if in.stream.isStopped() {
			return audio.ErrStreamClosed
		}
		// An overflow still delivers a full block; the lost samples are gone.
		if err != nil && !errors.Is(err, pa.InputOverflowed) {
			return fmt.Errorf("portaudio: read: %w", err)
		}
		c := copy(buf[n:], in.stream.buf)
		n += c
		if c < len(in.stream.buf) {
			in.rest = append(in.rest[:0], in.stream.buf[c:]...)
		}
	}
	return nil
}

func (in *inputStream) Format() audio.Format { return in.stream.format }
func (in *inputStream) Stop() error          { return in.stream.stop() }
func (in *inputStream) Close() error         { return in.stream.release() }

// ── output ────────────────────────────────────────────────────────────────────

type outputStream struct {
	stream *stream
	fill   int
}

// Write queues buf, flushing a PortAudio block each time one fills up.
func (out *outputStream) Write(buf []float32) error {
	block := out.stream.buf
	for len(buf) > 0 {
		if out.stream.isStopped() {
			return audio.ErrStreamClosed
		}
		c := copy(block[out.fill:], buf)
		out.fill += c
		buf = buf[c:]
		if out.fill < len(block) {
			continue
		}
		out.fill = 0
		err := out.stream.pa.Write()
		if out.stream.isStopped() {
			return audio.ErrStreamClosed
		}
		if err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

func (out *outputStream) Format() audio.Format { return out.stream.format }
func (out *outputStream) Stop() error          { return out.stream.stop() }
func (out *outputStream) Close() error         { return out.stream.release() }
