package fingerprint

import (
	"math"
	"sort"
)

// Peak represents a spectral landmark candidate. It carries both index and
// physical units; FreqIdx is what ends up in the packed hash.
type Peak struct {
	TimeIdx int     // frame index in the spectrogram
	FreqIdx int     // frequency bin index
	Time    float64 // time in seconds
	Freq    float64 // frequency in Hz
	MagDB   float64 // magnitude in dB
}

const (
	// local neighborhood for the local-max check
	freqNeighbour = 3 // +/- bins in frequency
	timeNeighbour = 1 // +/- frames in time
	// minimum dB above the frame's band-maxima average to accept a peak
	minDbAboveAvg = 3.0
	// floor to avoid log(0)
	eps = 1e-10
)

// ExtractPeaks finds robust spectral peaks (constellation points) from a
// time-major magnitude spectrogram produced with WindowSize/HopSize. Per
// frame it takes the strongest bin in each of a set of roughly logarithmic
// frequency bands, keeps the ones a few dB above the frame average, and
// requires each survivor to be a local maximum in a small 2D neighborhood.
// Returned peaks are sorted by time then frequency.
func ExtractPeaks(spectrogram [][]float64, sampleRate int) []Peak {
	if len(spectrogram) == 0 || len(spectrogram[0]) == 0 {
		return nil
	}

	nFrames := len(spectrogram)
	nBins := len(spectrogram[0])

	freqRes := float64(sampleRate) / float64(WindowSize)
	frameTime := float64(HopSize) / float64(sampleRate)

	bands := logBands(nBins)
	peaks := make([]Peak, 0, nFrames*2)

	for t := 0; t < nFrames; t++ {
		frame := spectrogram[t]

		bandMaxMag := make([]float64, 0, len(bands))
		bandMaxIdx := make([]int, 0, len(bands))
		for _, b := range bands {
			maxMag := 0.0
			maxIdx := b[0]
			for i := b[0]; i < b[1]; i++ {
				if frame[i] > maxMag {
					maxMag = frame[i]
					maxIdx = i
				}
			}
			bandMaxMag = append(bandMaxMag, maxMag)
			bandMaxIdx = append(bandMaxIdx, maxIdx)
		}

		// average band-maximum magnitude in dB, used as an adaptive threshold
		var sumDb float64
		for _, mag := range bandMaxMag {
			sumDb += 20.0 * math.Log10(mag+eps)
		}
		avgDb := sumDb / float64(len(bandMaxMag))

		for bi, mag := range bandMaxMag {
			if mag <= 0 {
				continue
			}
			bin := bandMaxIdx[bi]
			magDb := 20.0 * math.Log10(mag+eps)
			if magDb < avgDb+minDbAboveAvg {
				continue
			}
			if !isLocalMax(spectrogram, t, bin, mag) {
				continue
			}
			peaks = append(peaks, Peak{
				TimeIdx: t,
				FreqIdx: bin,
				Time:    float64(t) * frameTime,
				Freq:    float64(bin) * freqRes,
				MagDB:   magDb,
			})
		}
	}

	sort.Slice(peaks, func(i, j int) bool {
		if peaks[i].TimeIdx == peaks[j].TimeIdx {
			return peaks[i].FreqIdx < peaks[j].FreqIdx
		}
		return peaks[i].TimeIdx < peaks[j].TimeIdx
	})

	return peaks
}

// logBands builds doubling frequency bands clamped to nBins, starting with a
// flat low band. Mirrors the usual constellation band layout.
func logBands(nBins int) [][2]int {
	bands := [][2]int{{0, minInt(10, nBins)}}
	for start := 10; start < nBins; start *= 2 {
		end := minInt(start*2, nBins)
		bands = append(bands, [2]int{start, end})
		if end == nBins {
			break
		}
	}
	return bands
}

func isLocalMax(spectrogram [][]float64, t, bin int, mag float64) bool {
	nFrames := len(spectrogram)
	nBins := len(spectrogram[0])
	for dt := -timeNeighbour; dt <= timeNeighbour; dt++ {
		tIdx := t + dt
		if tIdx < 0 || tIdx >= nFrames {
			continue
		}
		for df := -freqNeighbour; df <= freqNeighbour; df++ {
			fIdx := bin + df
			if fIdx < 0 || fIdx >= nBins {
				continue
			}
			if dt == 0 && df == 0 {
				continue
			}
			if spectrogram[tIdx][fIdx] > mag {
				return false
			}
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
