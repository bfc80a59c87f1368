package fingerprint

import (
	"math"
	"sort"

	"github.com/woedy/zamio-super-sub004/pkg/models"
)

// ------------------------ TUNABLES (change for experiments) ------------------------
const (
	// Number of bits allocated to frequency indices (must fit number of FFT bins)
	MaxFreqBits = 9

	// Number of bits allocated to delta time (milliseconds)
	// With 14 bits you can represent up to 16383 ms (~16.3s)
	MaxDeltaBits = 14

	// Fan-out: how many target peaks to pair with each anchor
	FanOut = 6

	// Minimum and maximum delta time (ms) allowed for a pair
	MinDeltaMs = 10    // ignore extremely short deltas (likely same frame)
	MaxDeltaMs = 15000 // discard very long pairings
)

// packHash packs anchor/target frequency bins and delta time into a 32-bit
// key. Returns (hash, ok). ok==false if the pair is out of representable
// bounds (delta out of range, or a bin index not fitting its bit width).
//
// bit layout: [ anchorFreq (MaxFreqBits) | targetFreq (MaxFreqBits) | delta (MaxDeltaBits) ]
func packHash(anchor, target Peak) (uint32, bool) {
	anchorFreq := uint32(anchor.FreqIdx)
	targetFreq := uint32(target.FreqIdx)

	deltaMs := uint32(math.Round((target.Time - anchor.Time) * 1000.0))
	if deltaMs < MinDeltaMs || deltaMs > MaxDeltaMs {
		return 0, false
	}

	maxFreqMask := uint32((1 << MaxFreqBits) - 1)
	maxDeltaMask := uint32((1 << MaxDeltaBits) - 1)

	if anchorFreq > maxFreqMask || targetFreq > maxFreqMask {
		return 0, false
	}
	if deltaMs > maxDeltaMask {
		return 0, false
	}

	hash := (anchorFreq << (MaxDeltaBits + MaxFreqBits)) | (targetFreq << MaxDeltaBits) | (deltaMs & maxDeltaMask)
	return hash, true
}

// LandmarksFromPeaks pairs each anchor peak with up to FanOut subsequent
// peaks within MaxDeltaMs and emits one landmark per representable pair.
func LandmarksFromPeaks(peaks []Peak) []models.Landmark {
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].Time < peaks[j].Time })

	landmarks := make([]models.Landmark, 0, len(peaks)*FanOut)
	for i := 0; i < len(peaks); i++ {
		anchor := peaks[i]
		paired := 0
		for j := i + 1; j < len(peaks) && paired < FanOut; j++ {
			hash, ok := packHash(anchor, peaks[j])
			if !ok {
				continue
			}
			landmarks = append(landmarks, models.Landmark{
				Hash:         hash,
				AnchorTimeMs: uint32(math.Round(anchor.Time * 1000.0)),
			})
			paired++
		}
	}
	return landmarks
}

// ExtractLandmarks runs the full extraction pipeline on raw mono samples:
// STFT, constellation peak picking, then pair hashing.
func ExtractLandmarks(samples []float64, sampleRate int) ([]models.Landmark, error) {
	spec, err := ComputeSpectrogram(samples, sampleRate)
	if err != nil {
		return nil, err
	}
	return LandmarksFromPeaks(ExtractPeaks(spec, sampleRate)), nil
}
