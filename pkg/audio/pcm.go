package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// pcmScale maps [-1, 1] onto the int16 range. Encoding and decoding share it
// so a round trip is off by at most one quantization step.
const pcmScale = 32768

// FormatError reports a transport payload that cannot be decoded as 16-bit
// PCM. The offending chunk should be dropped; it never invalidates a session.
type FormatError struct {
	// Reason describes what was wrong with the payload.
	Reason string

	// Len is the payload length in bytes after base64 decoding, or the text
	// length when the base64 itself was malformed.
	Len int

	// Err is the underlying decoding error, if any.
	Err error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: malformed pcm payload (%s, %d bytes): %v", e.Reason, e.Len, e.Err)
	}
	return fmt.Sprintf("audio: malformed pcm payload (%s, %d bytes)", e.Reason, e.Len)
}

func (e *FormatError) Unwrap() error { return e.Err }

// quantize clamps s to [-1, 1] and scales it to int16 with
// round-half-away-from-zero. NaN maps to silence.
func quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	q := math.Round(v * pcmScale)
	if q > math.MaxInt16 {
		q = math.MaxInt16
	}
	return int16(q)
}

// EncodePCM16 converts samples to 16-bit little-endian PCM bytes.
// The output is always exactly 2*len(samples) bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM bytes back to float32
// samples. An odd byte count is a [*FormatError].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, &FormatError{Reason: "odd byte count", Len: len(pcm)}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / pcmScale
	}
	return out, nil
}

// EncodeFrame turns a captured frame into its wire form. It is pure and
// deterministic: the same frame always yields the same text.
func EncodeFrame(f AudioFrame) EncodedFrame {
	return EncodedFrame{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(f.Samples)),
		MIMEType: f.Format.MIMEType(),
		Samples:  len(f.Samples),
		Format:   f.Format,
	}
}

// DecodeChunk decodes one base64 chunk of 16-bit PCM received from the
// transport into a [PlaybackBuffer] in the given format. Chunks are
// independent; no state carries over between calls.
func DecodeChunk(data string, format Format) (*PlaybackBuffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &FormatError{Reason: "invalid base64", Len: len(data), Err: err}
	}
	return DecodeBytes(pcm, format)
}

// DecodeBytes is [DecodeChunk] for transports that deliver raw bytes.
func DecodeBytes(pcm []byte, format Format) (*PlaybackBuffer, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, err
	}
	if format.Channels > 1 && len(samples)%format.Channels != 0 {
		return nil, &FormatError{Reason: "partial sample frame", Len: len(pcm)}
	}
	return &PlaybackBuffer{Samples: samples, Format: format}, nil
}
