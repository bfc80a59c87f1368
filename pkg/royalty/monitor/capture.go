package monitor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/woedy/zamio-super-sub004/pkg/royalty/audio"
)

// AudioCapture records a slice of a station's stream as mono PCM samples.
type AudioCapture interface {
	Capture(ctx context.Context, streamURL string, duration time.Duration) (samples []float64, sampleRate int, err error)
}

// FFmpegCapture shells out to ffmpeg to record the stream into a temporary
// mono 16-bit WAV file at SampleRate, then decodes it.
type FFmpegCapture struct {
	SampleRate int    // defaults to audio.DefaultSampleRate
	WorkDir    string // defaults to os.TempDir()
}

func (f *FFmpegCapture) Capture(ctx context.Context, streamURL string, duration time.Duration) ([]float64, int, error) {
	sampleRate := f.SampleRate
	if sampleRate == 0 {
		sampleRate = audio.DefaultSampleRate
	}
	workDir := f.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}

	// Give ffmpeg time to connect on top of the record duration.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration+30*time.Second)
		defer cancel()
	}

	tmpPath := filepath.Join(workDir, fmt.Sprintf("capture-%s.wav", uuid.NewString()))
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(
		ctx,
		"ffmpeg",
		"-y",
		"-v", "quiet",
		"-i", streamURL,
		"-t", fmt.Sprintf("%.1f", duration.Seconds()),
		"-ac", "1", // mono
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-c:a", "pcm_s16le",
		tmpPath,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, fmt.Errorf("ffmpeg capture failed: %v (%s)", err, out)
	}

	return audio.ReadWAVFile(tmpPath)
}
