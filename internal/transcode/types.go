package transcode

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/owlimatronic/internal/protocol"
)

// Transcoder converts the file at inputPath into raw PCM at outputPath.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string, format protocol.PCMFormat) error
}

// State is the lifecycle position of a conversion job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job is one conversion of an uploaded clip.
type Job struct {
	ID         string
	Filename   string
	SourcePath string
	TargetPath string
	State      State
	Reason     string
	// Generation is the artifact generation the output was committed as.
	Generation uint64
}

// ReasonTimeout marks a job whose transcoder was killed for running too long.
const ReasonTimeout = "timeout"

// ErrRunnerClosed is returned for jobs that were still queued at shutdown.
var ErrRunnerClosed = errors.New("conversion runner closed")

// ConversionError reports a transcoder failure, spawn failure or timeout.
type ConversionError struct {
	JobID  string
	Reason string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("conversion failed: %s", e.Reason)
	}
	return fmt.Sprintf("conversion %s failed: %s", e.JobID, e.Reason)
}

func (e *ConversionError) Unwrap() error { return e.Err }
