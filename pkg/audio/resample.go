// Package audio provides PCM16 sample-rate conversion for the voice pipeline.
//
// All client audio is mono little-endian 16-bit PCM at 8, 16 or 48 kHz; the
// provider legs run at 16 kHz. Resampling uses linear interpolation, which is
// adequate for speech and cheap enough to run per frame on the hot path.
package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// malformedCount tracks frames rejected for invalid PCM alignment.
var malformedCount atomic.Int64

var warnMalformed sync.Once

// MalformedInputs returns the number of resample calls that received
// misaligned PCM data since process start.
func MalformedInputs() int64 {
	return malformedCount.Load()
}

// ValidPCM16 reports whether b is aligned to whole int16 samples.
func ValidPCM16(b []byte) bool {
	return len(b)%2 == 0
}

// Resample converts mono 16-bit little-endian PCM from srcRate to dstRate
// using linear interpolation.
//
// Resample never fails from the caller's perspective: when the rates match
// the input is returned unchanged (zero allocation), and when the input is
// misaligned or a rate is non-positive the input is returned as-is and a
// malformed-input counter is incremented. A single warning is logged for the
// first malformed frame; subsequent ones only bump the counter.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate {
		return pcm
	}
	if srcRate <= 0 || dstRate <= 0 || !ValidPCM16(pcm) {
		malformedCount.Add(1)
		warnMalformed.Do(func() {
			slog.Warn("resampler: malformed input, passing through",
				"bytes", len(pcm),
				"src_rate", srcRate,
				"dst_rate", dstRate,
			)
		})
		return pcm
	}
	if len(pcm) < 2 {
		return pcm
	}

	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
