package audio_test

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fidelai/fidel/pkg/audio"
)

// quantStep is one 16-bit quantization step in float units.
const quantStep = 1.0 / 32768

func TestEncodeFrame_4096SamplesIs8192Bytes(t *testing.T) {
	t.Parallel()

	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}
	frame := audio.AudioFrame{Samples: samples, Format: audio.CaptureFormat}

	enc := audio.EncodeFrame(frame)

	raw, err := base64.StdEncoding.DecodeString(enc.Data)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	if len(raw) != 8192 {
		t.Fatalf("pcm bytes = %d; want 8192", len(raw))
	}
	if enc.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q; want %q", enc.MIMEType, "audio/pcm;rate=16000")
	}
	if enc.Duration() != 256*time.Millisecond {
		t.Errorf("Duration = %v; want 256ms", enc.Duration())
	}

	buf, err := audio.DecodeChunk(enc.Data, audio.CaptureFormat)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if len(buf.Samples) != 4096 {
		t.Fatalf("decoded samples = %d; want 4096", len(buf.Samples))
	}
	for i := range samples {
		if d := math.Abs(float64(buf.Samples[i] - samples[i])); d > quantStep {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds one step", i, buf.Samples[i], samples[i], d)
		}
	}
}

func TestRoundTrip_WithinOneStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float32
	}{
		{name: "silence", samples: []float32{0, 0, 0}},
		{name: "extremes", samples: []float32{-1, 1, -0.999, 0.999}},
		{name: "tiny", samples: []float32{1e-6, -1e-6, quantStep / 2, -quantStep / 2}},
		{name: "ramp", samples: func() []float32 {
			s := make([]float32, 1000)
			for i := range s {
				s[i] = float32(i)/500 - 1
			}
			return s
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			enc := audio.EncodeFrame(audio.AudioFrame{Samples: tc.samples, Format: audio.CaptureFormat})
			buf, err := audio.DecodeChunk(enc.Data, audio.CaptureFormat)
			if err != nil {
				t.Fatalf("DecodeChunk: %v", err)
			}
			for i, want := range tc.samples {
				if d := math.Abs(float64(buf.Samples[i] - want)); d > quantStep {
					t.Errorf("sample %d: got %v, want %v (diff %v)", i, buf.Samples[i], want, d)
				}
			}
		})
	}
}

func TestEncodePCM16_ClampsOutOfRange(t *testing.T) {
	t.Parallel()

	got := audio.EncodePCM16([]float32{2, -2, float32(math.NaN()), float32(math.Inf(1))})
	want := []byte{
		0xff, 0x7f, // 32767
		0x00, 0x80, // -32768
		0x00, 0x00, // NaN → 0
		0xff, 0x7f, // +Inf clamps
	}
	if string(got) != string(want) {
		t.Errorf("EncodePCM16 = % x; want % x", got, want)
	}
}

func TestEncodePCM16_RoundsHalfAwayFromZero(t *testing.T) {
	t.Parallel()

	// 1.5 steps rounds to 2; -1.5 steps rounds to -2.
	got := audio.EncodePCM16([]float32{1.5 * quantStep, -1.5 * quantStep})
	want := []byte{0x02, 0x00, 0xfe, 0xff}
	if string(got) != string(want) {
		t.Errorf("EncodePCM16 = % x; want % x", got, want)
	}
}

func TestEncodeFrame_Deterministic(t *testing.T) {
	t.Parallel()
	f := audio.AudioFrame{Samples: []float32{0.25, -0.5, 0.75}, Format: audio.CaptureFormat}
	a := audio.EncodeFrame(f)
	b := audio.EncodeFrame(f)
	if a != b {
		t.Errorf("EncodeFrame not deterministic: %+v vs %+v", a, b)
	}
}

func TestDecodeChunk_OddLength(t *testing.T) {
	t.Parallel()

	data := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	_, err := audio.DecodeChunk(data, audio.PlaybackFormat)
	var fe *audio.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v; want *audio.FormatError", err)
	}
	if fe.Len != 3 {
		t.Errorf("FormatError.Len = %d; want 3", fe.Len)
	}
}

func TestDecodeChunk_InvalidBase64(t *testing.T) {
	t.Parallel()
	_, err := audio.DecodeChunk("not base64!!", audio.PlaybackFormat)
	var fe *audio.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v; want *audio.FormatError", err)
	}
	if fe.Unwrap() == nil {
		t.Error("FormatError should wrap the base64 error")
	}
}

func TestDecodeChunk_UnevenFragments(t *testing.T) {
	t.Parallel()

	// Each chunk stands alone regardless of its size.
	for _, n := range []int{0, 1, 7, 480, 4801} {
		pcm := make([]byte, n*2)
		buf, err := audio.DecodeChunk(base64.StdEncoding.EncodeToString(pcm), audio.PlaybackFormat)
		if err != nil {
			t.Fatalf("n=%d: DecodeChunk: %v", n, err)
		}
		if len(buf.Samples) != n {
			t.Errorf("n=%d: samples = %d", n, len(buf.Samples))
		}
	}
}

func TestPlaybackBuffer_Duration(t *testing.T) {
	t.Parallel()
	buf := &audio.PlaybackBuffer{Samples: make([]float32, 24000), Format: audio.PlaybackFormat}
	if buf.Seconds() != 1 {
		t.Errorf("Seconds = %v; want 1", buf.Seconds())
	}
	if buf.Duration() != time.Second {
		t.Errorf("Duration = %v; want 1s", buf.Duration())
	}
	if buf.Frames() != 24000 {
		t.Errorf("Frames = %d; want 24000", buf.Frames())
	}
}

func TestParseMIMEType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want audio.Format
	}{
		{"audio/pcm;rate=24000", audio.PlaybackFormat},
		{"audio/pcm;rate=16000", audio.Format{SampleRate: 16000, Channels: 1}},
		{"audio/pcm; rate=48000; channels=2", audio.Format{SampleRate: 48000, Channels: 2}},
		{"audio/pcm", audio.PlaybackFormat},
		{"", audio.PlaybackFormat},
		{"text/plain;rate=8000", audio.PlaybackFormat},
		{"audio/pcm;rate=abc", audio.PlaybackFormat},
		{";;;", audio.PlaybackFormat},
	}
	for _, tc := range tests {
		if got := audio.ParseMIMEType(tc.mime, audio.PlaybackFormat); got != tc.want {
			t.Errorf("ParseMIMEType(%q) = %v; want %v", tc.mime, got, tc.want)
		}
	}
}
