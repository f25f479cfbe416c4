package audio

import (
	"fmt"
	"math"
)

// BytesToInt16 decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToFloat32 decodes little-endian 16-bit PCM into samples in [-1, 1)
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out, nil
}

// Float32ToPCM16 converts normalized samples back to 16-bit, clipping to range
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, f := range samples {
		v := math.Round(float64(f) * 32768.0)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// CalculateRMSFloat calculates the root mean square (RMS) of normalized
// samples. Useful for detecting audio levels and silence
func CalculateRMSFloat(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Duration returns the length in seconds of n samples at rate
func Duration(n, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(n) / float64(rate)
}
