package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/owlimatronic/internal/config"
	"github.com/loqalabs/owlimatronic/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink receives converted output. StagePath hands out a path next to the
// canonical artifact so CommitFile is a rename; CommitFile runs on the worker,
// so commits land in the same order as conversions.
type Sink interface {
	StagePath(jobID string) string
	CommitFile(stagedPath string) (uint64, error)
}

type request struct {
	ctx  context.Context
	job  *Job
	done chan error
}

// Runner executes conversion jobs one at a time in arrival order.
type Runner struct {
	transcoder Transcoder
	format     protocol.PCMFormat
	scratchDir string
	sink       Sink
	timeout    time.Duration
	queue      chan *request
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool

	duration metric.Float64Histogram
	jobs     metric.Int64Counter
}

// NewRunner builds a runner. With a nil sink, output stays in the scratch
// directory and Job.TargetPath is left for the caller.
func NewRunner(parent context.Context, cfg config.TranscoderConfig, transcoder Transcoder, sink Sink, log *slog.Logger) (*Runner, error) {
	if transcoder == nil {
		return nil, errors.New("runner requires a transcoder")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		transcoder: transcoder,
		format: protocol.PCMFormat{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BitDepth:   protocol.DevicePCM.BitDepth,
		},
		scratchDir: cfg.ScratchDir,
		sink:       sink,
		timeout:    time.Duration(cfg.Timeout) * time.Millisecond,
		queue:      make(chan *request, queueSize),
		logger:     log.With(slog.String("component", "transcode-runner")),
		ctx:        ctx,
		cancel:     cancel,
	}
	r.initMetrics()
	return r, nil
}

func (r *Runner) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/owlimatronic/transcode")
	var err error
	if r.duration, err = meter.Float64Histogram("owl.conversion.duration", metric.WithUnit("ms"), metric.WithDescription("Transcoder run time")); err != nil {
		r.logger.Warn("failed to create histogram", slogError(err))
	}
	if r.jobs, err = meter.Int64Counter("owl.conversion.jobs", metric.WithDescription("Conversion jobs by terminal state")); err != nil {
		r.logger.Warn("failed to create counter", slogError(err))
	}
}

// Start launches the single worker.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.work()
}

// Close stops the worker after the current job and fails anything still queued.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for {
		select {
		case req := <-r.queue:
			os.Remove(req.job.SourcePath)
			req.job.State = StateFailed
			req.job.Reason = ErrRunnerClosed.Error()
			req.done <- ErrRunnerClosed
		default:
			return
		}
	}
}

// Convert stores data as the job's scratch input, queues the job and waits for
// it to reach a terminal state. On success the scratch input is gone and the
// output has been committed to the sink (Job.Generation) or, without a sink,
// left at Job.TargetPath. A failed conversion keeps the input for diagnosis.
func (r *Runner) Convert(ctx context.Context, data []byte, filename string) (Job, error) {
	id := uuid.NewString()
	job := &Job{
		ID:         id,
		Filename:   filename,
		SourcePath: filepath.Join(r.scratchDir, id+"-"+sanitizeFilename(filename)),
		TargetPath: r.targetPath(id),
		State:      StatePending,
	}
	done := make(chan error, 1)
	if err := os.WriteFile(job.SourcePath, data, 0o644); err != nil {
		job.State = StateFailed
		job.Reason = "write scratch input"
		return *job, &ConversionError{JobID: id, Reason: job.Reason, Err: err}
	}

	if err := r.enqueue(ctx, &request{ctx: ctx, job: job, done: done}); err != nil {
		os.Remove(job.SourcePath)
		job.State = StateFailed
		job.Reason = err.Error()
		return *job, err
	}
	r.logger.Info("conversion queued", slog.String("job_id", id), slog.String("filename", filename), slog.Int("bytes", len(data)))

	// The worker owns job until done fires.
	err := <-done
	return *job, err
}

func (r *Runner) enqueue(ctx context.Context, req *request) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRunnerClosed
	}
	select {
	case r.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrRunnerClosed
	}
}

func (r *Runner) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.queue:
			req.done <- r.run(req)
		}
	}
}

func (r *Runner) run(req *request) error {
	job := req.job
	if r.ctx.Err() != nil {
		os.Remove(job.SourcePath)
		job.State = StateFailed
		job.Reason = ErrRunnerClosed.Error()
		r.record(job, 0)
		return ErrRunnerClosed
	}
	if err := req.ctx.Err(); err != nil {
		os.Remove(job.SourcePath)
		job.State = StateFailed
		job.Reason = "cancelled"
		r.record(job, 0)
		return err
	}

	job.State = StateRunning
	ctx, cancel := context.WithTimeout(req.ctx, r.timeout)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	r.logger.Info("conversion started", slog.String("job_id", job.ID))
	start := time.Now()
	err := r.transcoder.Transcode(ctx, job.SourcePath, job.TargetPath, r.format)
	elapsed := time.Since(start)

	if err == nil {
		if info, statErr := os.Stat(job.TargetPath); statErr != nil {
			err = &ConversionError{Reason: "transcoder produced no output", Err: statErr}
		} else if info.Size() == 0 {
			err = &ConversionError{Reason: "transcoder produced empty output"}
		}
	}
	if err != nil && r.ctx.Err() != nil {
		os.Remove(job.TargetPath)
		os.Remove(job.SourcePath)
		job.State = StateFailed
		job.Reason = ErrRunnerClosed.Error()
		r.record(job, elapsed)
		r.logger.Info("conversion abandoned at shutdown", slog.String("job_id", job.ID))
		return ErrRunnerClosed
	}
	if err != nil {
		os.Remove(job.TargetPath)
		job.State = StateFailed
		convErr := asConversionError(ctx, job.ID, err)
		job.Reason = convErr.Reason
		r.record(job, elapsed)
		r.logger.Warn("conversion failed",
			slog.String("job_id", job.ID),
			slog.String("reason", job.Reason),
			slog.String("retained_input", job.SourcePath))
		return convErr
	}

	if err := os.Remove(job.SourcePath); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("failed to remove scratch input", slog.String("job_id", job.ID), slogError(err))
	}
	if r.sink != nil {
		gen, err := r.sink.CommitFile(job.TargetPath)
		if err != nil {
			job.State = StateFailed
			job.Reason = err.Error()
			r.record(job, elapsed)
			r.logger.Error("commit failed", slog.String("job_id", job.ID), slogError(err))
			return err
		}
		job.Generation = gen
	}
	job.State = StateSucceeded
	r.record(job, elapsed)
	r.logger.Info("conversion succeeded", slog.String("job_id", job.ID), slog.Duration("elapsed", elapsed), slog.Uint64("generation", job.Generation))
	return nil
}

func asConversionError(ctx context.Context, jobID string, err error) *ConversionError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ConversionError{JobID: jobID, Reason: ReasonTimeout, Err: err}
	}
	var convErr *ConversionError
	if errors.As(err, &convErr) {
		return &ConversionError{JobID: jobID, Reason: convErr.Reason, Err: convErr.Err}
	}
	return &ConversionError{JobID: jobID, Reason: err.Error(), Err: err}
}

func (r *Runner) record(job *Job, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("state", string(job.State)))
	if r.jobs != nil {
		r.jobs.Add(r.ctx, 1, attrs)
	}
	if r.duration != nil && elapsed > 0 {
		r.duration.Record(r.ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (r *Runner) targetPath(id string) string {
	if r.sink != nil {
		return r.sink.StagePath(id)
	}
	return filepath.Join(r.scratchDir, id+".pcm")
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = unsafeFilename.ReplaceAllString(base, "_")
	if base == "" || base == "." || base == ".." || base == "_" {
		return "upload"
	}
	return base
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
