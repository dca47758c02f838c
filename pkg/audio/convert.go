package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter converts float32 sample blocks to a target format. It logs a
// warning on the first format mismatch only.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts samples in format from to c.Target. If the formats already
// match, samples is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample, then upmix.
func (c *FormatConverter) Convert(samples []float32, from Format) []float32 {
	if from == c.Target || !from.Valid() || !c.Target.Valid() {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", from.String(),
			"to", c.Target.String(),
		)
	})

	mono := samples
	if from.Channels > 1 {
		mono = Downmix(samples, from.Channels)
	}
	if from.SampleRate != c.Target.SampleRate {
		mono = Resample(mono, from.SampleRate, c.Target.SampleRate)
	}
	if c.Target.Channels > 1 {
		return Upmix(mono, c.Target.Channels)
	}
	return mono
}

// Downmix averages each interleaved frame of channels samples to one mono
// sample.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Upmix duplicates each mono sample into channels interleaved copies.
func Upmix(mono []float32, channels int) []float32 {
	if channels <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for ch := range channels {
			out[i*channels+ch] = s
		}
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func Resample(mono []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(mono) == 0 {
		return mono
	}
	dstLen := int(int64(len(mono)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := mono[idx]
		s1 := s0
		if idx+1 < len(mono) {
			s1 = mono[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
