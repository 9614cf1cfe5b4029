package dsp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	gateFrameSize = 1024
	gateHopSize   = gateFrameSize / 4
	// Noise floor is estimated from the leading half second.
	noiseProfileSeconds = 0.5
	// Bins below twice the floor magnitude are zeroed.
	gateFactor = 2.0
)

// SpectralGate suppresses stationary background noise. The noise floor is
// the per-bin median magnitude over frames in the first half second; any
// bin falling below gateFactor times its floor is zeroed before
// resynthesis via overlap-add.
func SpectralGate(samples []float32, sampleRate int) []float32 {
	if len(samples) < gateFrameSize*2 {
		return samples
	}

	fft := fourier.NewFFT(gateFrameSize)
	window := hannWindow(gateFrameSize)
	bins := gateFrameSize/2 + 1

	// Frames whose start falls within the noise profile window.
	noiseFrames := int(noiseProfileSeconds*float64(sampleRate)) / gateHopSize
	if noiseFrames < 1 {
		noiseFrames = 1
	}

	frameCount := (len(samples)-gateFrameSize)/gateHopSize + 1
	if noiseFrames > frameCount {
		noiseFrames = frameCount
	}

	// First pass: collect magnitudes of the leading frames per bin.
	noiseMags := make([][]float64, bins)
	for b := range noiseMags {
		noiseMags[b] = make([]float64, 0, noiseFrames)
	}

	frame := make([]float64, gateFrameSize)
	for f := range noiseFrames {
		extractFrame(samples, f*gateHopSize, window, frame)
		coeffs := fft.Coefficients(nil, frame)
		for b, c := range coeffs {
			noiseMags[b] = append(noiseMags[b], cmplxAbs(c))
		}
	}

	floor := make([]float64, bins)
	for b := range floor {
		floor[b] = median(noiseMags[b]) * gateFactor
	}

	// Second pass: gate every frame and overlap-add.
	out := make([]float64, len(samples))
	norm := make([]float64, len(samples))

	for f := range frameCount {
		offset := f * gateHopSize
		extractFrame(samples, offset, window, frame)
		coeffs := fft.Coefficients(nil, frame)

		for b, c := range coeffs {
			if cmplxAbs(c) < floor[b] {
				coeffs[b] = 0
			}
		}

		rec := fft.Sequence(nil, coeffs)
		for i, v := range rec {
			// fft.Sequence is unnormalized, divide by frame size.
			out[offset+i] += v / gateFrameSize * window[i]
			norm[offset+i] += window[i] * window[i]
		}
	}

	result := make([]float32, len(samples))
	for i := range result {
		if norm[i] > 1e-9 {
			result[i] = float32(out[i] / norm[i])
		} else {
			result[i] = samples[i]
		}
	}
	return result
}

func extractFrame(samples []float32, offset int, window, dst []float64) {
	for i := range dst {
		idx := offset + i
		if idx < len(samples) {
			dst[i] = float64(samples[idx]) * window[i]
		} else {
			dst[i] = 0
		}
	}
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
