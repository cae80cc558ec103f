package transcode

import (
	"context"
	"os"
	"time"

	"github.com/loqalabs/owlimatronic/internal/protocol"
)

type mockTranscoder struct {
	delay time.Duration
}

// NewMockTranscoder copies the input through unchanged after a short delay.
// It lets the daemon run on machines without ffmpeg.
func NewMockTranscoder(delay time.Duration) Transcoder {
	return &mockTranscoder{delay: delay}
}

func (m *mockTranscoder) Transcode(ctx context.Context, inputPath, outputPath string, _ protocol.PCMFormat) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return &ConversionError{Reason: "read input", Err: err}
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return &ConversionError{Reason: "write output", Err: err}
	}
	return nil
}
