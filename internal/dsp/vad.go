package dsp

import "math"

const (
	vadFrameMillis   = 20
	minSilenceMillis = 1000
	// Threshold sits this many dB below the clip's overall level.
	silenceOffsetDB = 14
	// Original silence kept around each voiced region.
	keepSilenceMillis = 200
	// Separator inserted between re-concatenated voiced regions.
	joinSilenceMillis = 100
)

// TrimSilence removes long silent stretches. The signal is split on runs
// of at least one second below (overall dBFS - 14), each voiced region
// keeps 200 ms of its surrounding silence, and regions are rejoined with
// a 100 ms silence separator.
func TrimSilence(samples []float32, sampleRate int) []float32 {
	frameLen := sampleRate * vadFrameMillis / 1000
	if frameLen == 0 || len(samples) < frameLen {
		return samples
	}

	threshold := overallDBFS(samples) - silenceOffsetDB

	frames := len(samples) / frameLen
	silent := make([]bool, frames)
	for f := range frames {
		frame := samples[f*frameLen : (f+1)*frameLen]
		silent[f] = frameDBFS(frame) < threshold
	}

	regions := voicedRegions(silent, frameLen, len(samples), sampleRate)
	if len(regions) == 0 {
		// Nothing voiced, keep the audio untouched rather than emit nothing.
		return samples
	}
	if len(regions) == 1 && regions[0][0] == 0 && regions[0][1] == len(samples) {
		return samples
	}

	joinLen := sampleRate * joinSilenceMillis / 1000
	total := 0
	for _, r := range regions {
		total += r[1] - r[0]
	}
	total += joinLen * (len(regions) - 1)

	out := make([]float32, 0, total)
	for i, r := range regions {
		if i > 0 {
			out = append(out, make([]float32, joinLen)...)
		}
		out = append(out, samples[r[0]:r[1]]...)
	}
	return out
}

// voicedRegions converts per-frame silence flags into [start, end) sample
// ranges, merging gaps shorter than the minimum silence and padding each
// region with the kept silence margin.
func voicedRegions(silent []bool, frameLen, totalSamples, sampleRate int) [][2]int {
	minSilenceFrames := minSilenceMillis / vadFrameMillis
	keepSamples := sampleRate * keepSilenceMillis / 1000

	var regions [][2]int
	start := -1
	silenceRun := 0

	for f, isSilent := range silent {
		if !isSilent {
			if start == -1 {
				start = f
			}
			silenceRun = 0
			continue
		}
		if start == -1 {
			continue
		}
		silenceRun++
		if silenceRun >= minSilenceFrames {
			end := f - silenceRun + 1
			regions = append(regions, frameRange(start, end, frameLen, keepSamples, totalSamples))
			start = -1
			silenceRun = 0
		}
	}
	if start != -1 {
		end := len(silent) - silenceRun
		regions = append(regions, frameRange(start, end, frameLen, keepSamples, totalSamples))
	}

	// Merge regions whose padded edges now overlap.
	merged := regions[:0]
	for _, r := range regions {
		if len(merged) > 0 && r[0] <= merged[len(merged)-1][1] {
			if r[1] > merged[len(merged)-1][1] {
				merged[len(merged)-1][1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func frameRange(startFrame, endFrame, frameLen, keepSamples, totalSamples int) [2]int {
	start := startFrame*frameLen - keepSamples
	if start < 0 {
		start = 0
	}
	end := endFrame*frameLen + keepSamples
	if end > totalSamples {
		end = totalSamples
	}
	return [2]int{start, end}
}

// overallDBFS returns the RMS level of the whole buffer in dBFS.
func overallDBFS(samples []float32) float64 {
	return rmsDB(samples)
}

func frameDBFS(frame []float32) float64 {
	return rmsDB(frame)
}

func rmsDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -96
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-9 {
		return -96
	}
	return 20 * math.Log10(rms)
}
