// Package coordinator sequences a trigger through conversion, commit and
// notification.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/loqalabs/owlimatronic/internal/artifact"
	"github.com/loqalabs/owlimatronic/internal/bus"
	"github.com/loqalabs/owlimatronic/internal/eventstore"
	"github.com/loqalabs/owlimatronic/internal/ingest"
	"github.com/loqalabs/owlimatronic/internal/protocol"
	"github.com/loqalabs/owlimatronic/internal/transcode"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateReceived   State = "received"
	StateConverting State = "converting"
	StateCommitted  State = "committed"
	StateNotified   State = "notified"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Converter converts and commits upload bytes. transcode.Runner satisfies it.
type Converter interface {
	Convert(ctx context.Context, data []byte, filename string) (transcode.Job, error)
}

// Notifier publishes device notifications. bus.Publisher satisfies it.
type Notifier interface {
	Publish(ctx context.Context, topic, payload string) error
}

// Journal records request transitions. eventstore.Store satisfies it.
type Journal interface {
	BeginRequest(ctx context.Context, req eventstore.Request) error
	RecordTransition(ctx context.Context, t eventstore.Transition) error
}

// Outcome summarizes a handled request.
type Outcome struct {
	RequestID  string `json:"request_id"`
	Kind       string `json:"kind"`
	State      State  `json:"state"`
	Generation uint64 `json:"generation,omitempty"`
	Payload    string `json:"payload,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type Coordinator struct {
	converter Converter
	notifier  Notifier
	journal   Journal
	topic     string
	logger    *slog.Logger
	tracer    trace.Tracer

	triggers metric.Int64Counter
	requests metric.Int64Counter
}

func New(converter Converter, notifier Notifier, journal Journal, topic string, log *slog.Logger) *Coordinator {
	if topic == "" {
		topic = protocol.TopicEvent
	}
	c := &Coordinator{
		converter: converter,
		notifier:  notifier,
		journal:   journal,
		topic:     topic,
		logger:    log.With(slog.String("component", "coordinator")),
		tracer:    otel.Tracer("github.com/loqalabs/owlimatronic/coordinator"),
	}
	meter := otel.Meter("github.com/loqalabs/owlimatronic/coordinator")
	var err error
	if c.triggers, err = meter.Int64Counter("owl.triggers", metric.WithDescription("Triggers received by kind and source")); err != nil {
		c.logger.Warn("failed to create counter", slogError(err))
	}
	if c.requests, err = meter.Int64Counter("owl.requests", metric.WithDescription("Requests by terminal state")); err != nil {
		c.logger.Warn("failed to create counter", slogError(err))
	}
	return c
}

// request carries per-trigger bookkeeping through the state machine.
type request struct {
	outcome Outcome
	span    trace.Span
	logger  *slog.Logger
}

// Handle runs one trigger to a terminal state. Once accepted, a request runs
// to completion even if ctx is cancelled; only its values are inherited.
func (c *Coordinator) Handle(ctx context.Context, t ingest.Trigger) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	id := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "coordinator.handle", trace.WithAttributes(
		attribute.String("request.id", id),
		attribute.String("trigger.kind", string(t.Kind)),
		attribute.String("trigger.source", string(t.Source)),
	))
	defer span.End()

	req := &request{
		outcome: Outcome{RequestID: id, Kind: string(t.Kind), State: StateReceived},
		span:    span,
		logger:  c.logger.With(slog.String("request_id", id), slog.String("kind", string(t.Kind)), slog.String("source", string(t.Source))),
	}
	if c.triggers != nil {
		c.triggers.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(t.Kind)),
			attribute.String("source", string(t.Source)),
		))
	}

	subject := t.Animation
	if t.Kind == ingest.KindUpload {
		subject = t.Filename
	}
	if c.journal != nil {
		if err := c.journal.BeginRequest(ctx, eventstore.Request{
			ID:      id,
			Kind:    string(t.Kind),
			Source:  string(t.Source),
			Origin:  t.Origin,
			Subject: subject,
			State:   string(StateReceived),
		}); err != nil {
			req.logger.Warn("journal begin failed", slogError(err))
		}
	}
	req.logger.Info("trigger received", slog.String("origin", t.Origin), slog.String("subject", subject))

	switch t.Kind {
	case ingest.KindPlay:
		return c.play(ctx, req, t)
	case ingest.KindUpload:
		return c.upload(ctx, req, t)
	default:
		return c.fail(ctx, req, &ingest.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown trigger kind %q", t.Kind)})
	}
}

func (c *Coordinator) play(ctx context.Context, req *request, t ingest.Trigger) (Outcome, error) {
	if t.Animation == "" {
		return c.fail(ctx, req, &ingest.ValidationError{Field: "animation", Reason: "must not be empty"})
	}
	return c.notify(ctx, req, t.Animation)
}

func (c *Coordinator) upload(ctx context.Context, req *request, t ingest.Trigger) (Outcome, error) {
	if len(t.Data) == 0 {
		return c.fail(ctx, req, &ingest.ValidationError{Field: "audio", Reason: "no audio bytes"})
	}

	c.transition(ctx, req, StateConverting, "", 0)
	job, err := c.converter.Convert(ctx, t.Data, t.Filename)
	if err != nil {
		return c.fail(ctx, req, err)
	}

	req.outcome.Generation = job.Generation
	c.transition(ctx, req, StateCommitted, "", job.Generation)
	return c.notify(ctx, req, protocol.PayloadStream)
}

func (c *Coordinator) notify(ctx context.Context, req *request, payload string) (Outcome, error) {
	req.outcome.Payload = payload
	if err := c.notifier.Publish(ctx, c.topic, payload); err != nil {
		return c.fail(ctx, req, err)
	}
	c.transition(ctx, req, StateNotified, payload, 0)
	c.transition(ctx, req, StateDone, "", 0)
	c.count(ctx, StateDone)
	req.logger.Info("request done", slog.String("payload", payload), slog.Uint64("generation", req.outcome.Generation))
	return req.outcome, nil
}

func (c *Coordinator) fail(ctx context.Context, req *request, err error) (Outcome, error) {
	req.outcome.Reason = err.Error()
	c.transition(ctx, req, StateFailed, err.Error(), 0)
	c.count(ctx, StateFailed)
	req.span.RecordError(err)
	req.span.SetStatus(codes.Error, Classify(err))
	req.logger.Warn("request failed", slog.String("class", Classify(err)), slogError(err))
	return req.outcome, err
}

func (c *Coordinator) transition(ctx context.Context, req *request, state State, detail string, generation uint64) {
	req.outcome.State = state
	req.span.AddEvent(string(state))
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordTransition(ctx, eventstore.Transition{
		RequestID:  req.outcome.RequestID,
		State:      string(state),
		Detail:     detail,
		Generation: generation,
	}); err != nil {
		req.logger.Warn("journal transition failed", slog.String("state", string(state)), slogError(err))
	}
}

func (c *Coordinator) count(ctx context.Context, state State) {
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
}

// Failure classes returned by Classify.
const (
	ClassValidation = "validation"
	ClassConversion = "conversion"
	ClassStorage    = "storage"
	ClassPublish    = "publish"
	ClassShutdown   = "shutdown"
	ClassInternal   = "internal"
)

// Classify names the layer an error returned by Handle came from.
func Classify(err error) string {
	var (
		validationErr *ingest.ValidationError
		conversionErr *transcode.ConversionError
		storageErr    *artifact.StorageError
	)
	switch {
	case errors.As(err, &validationErr):
		return ClassValidation
	case errors.As(err, &conversionErr):
		return ClassConversion
	case errors.As(err, &storageErr):
		return ClassStorage
	case errors.Is(err, bus.ErrPublish):
		return ClassPublish
	case errors.Is(err, transcode.ErrRunnerClosed):
		return ClassShutdown
	default:
		return ClassInternal
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
