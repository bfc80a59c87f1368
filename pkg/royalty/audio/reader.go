package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// DefaultSampleRate is the rate the fingerprint pipeline is tuned for.
const DefaultSampleRate = 11025

// DecodeWAV decodes WAV bytes into normalized mono float64 samples in
// [-1, 1] and the source sample rate. Multi-channel audio is downmixed by
// averaging channels.
func DecodeWAV(data []byte) ([]float64, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("empty audio payload")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("not a valid WAV file")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decoding PCM data: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, errors.New("WAV file contains no samples")
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		return nil, 0, errors.New("invalid channel count")
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float64(uint64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for f := 0; f < frames; f++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[f*channels+c])
		}
		samples[f] = sum / float64(channels) / scale
	}

	return samples, buf.Format.SampleRate, nil
}

// ReadWAVFile reads and decodes a WAV file from disk.
func ReadWAVFile(path string) ([]float64, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	return DecodeWAV(data)
}

// Duration returns the clip length in seconds for a decoded sample buffer.
func Duration(samples []float64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(samples)) / float64(sampleRate)
}
