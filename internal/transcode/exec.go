package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/owlimatronic/internal/protocol"
	"github.com/mattn/go-shellwords"
)

const (
	placeholderInput      = "{input}"
	placeholderOutput     = "{output}"
	placeholderSampleRate = "{sample_rate}"
	placeholderChannels   = "{channels}"
)

type execTranscoder struct {
	cmd []string
}

// NewExecTranscoder runs an external tool such as ffmpeg. The command line may
// reference {input}, {output}, {sample_rate} and {channels}; without an
// {output} placeholder the output path is appended as the last argument.
func NewExecTranscoder(command string) (Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcoder command is empty")
	}
	return &execTranscoder{cmd: args}, nil
}

func (e *execTranscoder) Transcode(ctx context.Context, inputPath, outputPath string, format protocol.PCMFormat) error {
	replacer := strings.NewReplacer(
		placeholderInput, inputPath,
		placeholderOutput, outputPath,
		placeholderSampleRate, strconv.Itoa(format.SampleRate),
		placeholderChannels, strconv.Itoa(format.Channels),
	)
	args := make([]string, 0, len(e.cmd)+1)
	hasOutput := false
	for _, arg := range e.cmd {
		if strings.Contains(arg, placeholderOutput) {
			hasOutput = true
		}
		args = append(args, replacer.Replace(arg))
	}
	if !hasOutput {
		args = append(args, outputPath)
	}

	command := exec.CommandContext(ctx, args[0], args[1:]...)
	// Kill pipes that a stuck child keeps open once the context has fired.
	command.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return &ConversionError{
				Reason: fmt.Sprintf("%s exited with code %d: %s", args[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
				Err:    err,
			}
		}
		return &ConversionError{Reason: fmt.Sprintf("run %s: %v", args[0], err), Err: err}
	}
	return nil
}
