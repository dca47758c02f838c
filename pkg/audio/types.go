// Package audio defines the sample formats and the wire codec shared by the
// capture and playback sides of a tutoring session.
//
// Samples are carried as float32 in [-1, 1] everywhere inside the process.
// The only fixed-point representation is the 16-bit little-endian PCM that
// crosses the transport boundary, base64-wrapped (see [EncodeFrame] and
// [DecodeChunk]).
package audio

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"
)

// Standard formats used by the tutoring pipeline.
var (
	// CaptureFormat is the format sent to the speech model: 16 kHz mono.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format the speech model replies in: 24 kHz mono.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a compact human-readable form such as "16000Hz/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Seconds returns the playing time of n interleaved samples in seconds.
func (f Format) Seconds(n int) float64 {
	if !f.Valid() {
		return 0
	}
	return float64(n) / float64(f.Channels) / float64(f.SampleRate)
}

// Duration returns the playing time of n interleaved samples.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate*f.Channels))
}

// MIMEType returns the MIME type the transport expects for 16-bit PCM in
// this format, e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// ParseMIMEType returns the PCM format described by a transport MIME type
// such as "audio/pcm;rate=24000". Missing parameters are taken from fallback;
// a non-PCM or unparsable type returns fallback unchanged.
func ParseMIMEType(mimeType string, fallback Format) Format {
	if mimeType == "" {
		return fallback
	}
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.HasPrefix(mediaType, "audio/") {
		return fallback
	}
	f := fallback
	if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
		f.SampleRate = r
	}
	if c, err := strconv.Atoi(params["channels"]); err == nil && c > 0 {
		f.Channels = c
	}
	return f
}

// AudioFrame is one fixed-length block of captured samples. Frames are
// produced once per capture tick, encoded immediately, and discarded.
type AudioFrame struct {
	// Samples holds interleaved float32 samples in [-1, 1].
	Samples []float32

	// Format is the rate and channel layout of Samples.
	Format Format

	// Timestamp marks the frame's start relative to the beginning of capture.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f AudioFrame) Duration() time.Duration { return f.Format.Duration(len(f.Samples)) }

// EncodedFrame is the wire-ready form of an [AudioFrame]: 16-bit little-endian
// PCM wrapped in standard base64. It is immutable once produced; ownership
// moves to the transport send call.
type EncodedFrame struct {
	// Data is the base64 text of the PCM bytes.
	Data string

	// MIMEType is the transport MIME type, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Samples is the number of samples encoded in Data.
	Samples int

	// Format is the source format of the encoded samples.
	Format Format
}

// Duration returns the playing time of the encoded audio.
func (e EncodedFrame) Duration() time.Duration { return e.Format.Duration(e.Samples) }

// PlaybackBuffer is a decoded chunk of model speech, ready for scheduling.
type PlaybackBuffer struct {
	// Samples holds interleaved float32 samples in [-1, 1].
	Samples []float32

	// Format is the rate and channel layout of Samples.
	Format Format
}

// Frames returns the number of sample frames (samples per channel).
func (b *PlaybackBuffer) Frames() int {
	if b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// Seconds returns the buffer's playing time in seconds.
func (b *PlaybackBuffer) Seconds() float64 { return b.Format.Seconds(len(b.Samples)) }

// Duration returns the buffer's playing time.
func (b *PlaybackBuffer) Duration() time.Duration { return b.Format.Duration(len(b.Samples)) }
