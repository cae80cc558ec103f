package transcode

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/wav"
	"github.com/loqalabs/owlimatronic/internal/protocol"
	resampling "github.com/tphakala/go-audio-resampling"
)

type wavTranscoder struct{}

// NewWAVTranscoder converts PCM WAV uploads without an external tool. Other
// containers are rejected with a ConversionError.
func NewWAVTranscoder() Transcoder {
	return &wavTranscoder{}
}

func (w *wavTranscoder) Transcode(ctx context.Context, inputPath, outputPath string, format protocol.PCMFormat) error {
	if format.BitDepth != 16 {
		return &ConversionError{Reason: fmt.Sprintf("unsupported output bit depth %d", format.BitDepth)}
	}
	in, err := os.Open(inputPath)
	if err != nil {
		return &ConversionError{Reason: "open input", Err: err}
	}
	defer in.Close()

	dec := wav.NewDecoder(in)
	if !dec.IsValidFile() {
		return &ConversionError{Reason: "input is not a PCM wav file"}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return &ConversionError{Reason: "decode wav", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	if channels <= 0 {
		return &ConversionError{Reason: "wav declares no channels"}
	}
	shift := int(dec.BitDepth) - 16
	switch dec.BitDepth {
	case 16, 24, 32:
	default:
		return &ConversionError{Reason: fmt.Sprintf("unsupported wav bit depth %d", dec.BitDepth)}
	}

	mono := downmix(buf.Data, channels, shift)
	if rate := int(dec.SampleRate); rate != format.SampleRate {
		mono, err = resample(mono, rate, format.SampleRate)
		if err != nil {
			return &ConversionError{Reason: "resample", Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return &ConversionError{Reason: "create output", Err: err}
	}
	bw := bufio.NewWriter(out)
	var frame [2]byte
	for _, s := range mono {
		binary.LittleEndian.PutUint16(frame[:], uint16(s))
		for c := 0; c < format.Channels; c++ {
			if _, err := bw.Write(frame[:]); err != nil {
				out.Close()
				return &ConversionError{Reason: "write output", Err: err}
			}
		}
	}
	if err := bw.Flush(); err != nil {
		out.Close()
		return &ConversionError{Reason: "flush output", Err: err}
	}
	if err := out.Close(); err != nil {
		return &ConversionError{Reason: "close output", Err: err}
	}
	return nil
}

// downmix averages interleaved frames into mono 16-bit samples.
func downmix(data []int, channels, shift int) []int16 {
	frames := len(data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c] >> shift
		}
		out[i] = clamp16(sum / channels)
	}
	return out
}

func resample(samples []int16, from, to int) ([]int16, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, err
	}
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, err
	}
	// The filter's delay line holds the tail of the clip until flushed.
	tail, err := r.Flush()
	if err != nil {
		return nil, err
	}
	output = append(output, tail...)
	result := make([]int16, len(output))
	for i, s := range output {
		result[i] = clamp16(int(s * 32767.0))
	}
	return result, nil
}

func clamp16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
