package transcode

import (
	"fmt"
	"time"

	"github.com/loqalabs/owlimatronic/internal/config"
)

// New selects a transcoder for the configured mode.
func New(cfg config.TranscoderConfig) (Transcoder, error) {
	switch cfg.Mode {
	case "exec", "":
		return NewExecTranscoder(cfg.Command)
	case "wav":
		return NewWAVTranscoder(), nil
	case "mock":
		return NewMockTranscoder(50 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported transcoder mode %q", cfg.Mode)
	}
}
