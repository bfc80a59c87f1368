package fingerprint

import (
	"errors"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

const (
	WindowSize = 1024
	HopSize    = 256
)

// Hamming returns an n-point Hamming window.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func magnitudeSpectrum(spectrum []complex128) []float64 {
	half := len(spectrum) / 2
	mag := make([]float64, half)
	for i := 0; i < half; i++ {
		mag[i] = cmplx.Abs(spectrum[i])
	}
	return mag
}

// STFT computes a time-major magnitude spectrogram of samples using the given
// window function. Frames that do not fill a full window are dropped.
func STFT(samples []float64, windowSize, hopSize int, window []float64) ([][]float64, error) {
	if len(window) != windowSize {
		return nil, errors.New("window length must equal windowSize")
	}
	if len(samples) < windowSize {
		return nil, errors.New("input shorter than window size")
	}

	spectrogram := make([][]float64, 0, 1+(len(samples)-windowSize)/hopSize)
	frame := make([]float64, windowSize)
	for start := 0; start+windowSize <= len(samples); start += hopSize {
		copy(frame, samples[start:start+windowSize])
		for i := 0; i < windowSize; i++ {
			frame[i] *= window[i]
		}
		spectrogram = append(spectrogram, magnitudeSpectrum(fft.FFTReal(frame)))
	}
	return spectrogram, nil
}

// ComputeSpectrogram runs an STFT over raw mono samples with the package
// defaults (Hamming window, WindowSize, HopSize).
func ComputeSpectrogram(samples []float64, sampleRate int) ([][]float64, error) {
	if len(samples) == 0 {
		return nil, errors.New("samples cannot be empty")
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if len(samples) < WindowSize {
		return nil, errors.New("audio too short for window size")
	}

	return STFT(samples, WindowSize, HopSize, Hamming(WindowSize))
}
