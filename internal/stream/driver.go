// Package stream drives a training event stream from the network into run state.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/metrics"
	"github.com/saltfish/trainstream/internal/parser"
	"github.com/saltfish/trainstream/internal/progress"
	"github.com/saltfish/trainstream/internal/sse"
)

// MsgStreamEnded is the diagnostic used when the body closes before a terminal event.
const MsgStreamEnded = "stream ended unexpectedly"

// DefaultChunkSize is the read buffer size used when none is configured.
const DefaultChunkSize = 4096

var tracer = otel.Tracer("github.com/saltfish/trainstream/internal/stream")

// OpenFunc opens the byte stream of one run.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// PublishFunc receives every new run state. It is called from the driver's
// goroutine and must not block for long.
type PublishFunc func(progress.RunState)

// DriverConfig configures a Driver.
type DriverConfig struct {
	ChunkSize      int
	MaxRecordBytes int
}

// Driver reads one run's stream, decoding, parsing and folding in arrival order.
// A Driver holds no per-run state and may run several streams concurrently.
type Driver struct {
	cfg     DriverConfig
	parser  *parser.EventParser
	metrics metrics.Recorder
	logger  *zap.Logger
}

// NewDriver creates a new Driver. A nil recorder disables metrics.
func NewDriver(cfg DriverConfig, rec metrics.Recorder, logger *zap.Logger) *Driver {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Driver{
		cfg:     cfg,
		parser:  parser.NewEventParser(logger),
		metrics: rec,
		logger:  logger,
	}
}

// WithLogger returns a copy of the driver that logs to l.
func (d *Driver) WithLogger(l *zap.Logger) *Driver {
	c := *d
	c.logger = l
	c.parser = parser.NewEventParser(l)
	return &c
}

// run is the state of one Run call.
type run struct {
	d       *Driver
	ctx     context.Context
	span    trace.Span
	state   progress.RunState
	publish PublishFunc
}

// Run opens the stream and consumes it until the run reaches a terminal
// state. Transport failures, read errors and a premature end of stream all
// end in a Failed state and a nil error. The only error returned is the
// context's, when the run is cancelled; nothing is published after that.
func (d *Driver) Run(ctx context.Context, open OpenFunc, publish PublishFunc) (progress.RunState, error) {
	ctx, span := tracer.Start(ctx, "stream.Run")
	defer span.End()

	if publish == nil {
		publish = func(progress.RunState) {}
	}
	r := &run{d: d, ctx: ctx, span: span, state: progress.NewRunState(), publish: publish}

	if err := ctx.Err(); err != nil {
		return r.cancelled(err)
	}

	body, err := open(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.cancelled(ctxErr)
		}
		d.logger.Warn("Training stream could not be opened", zap.Error(err))
		r.synthesize(err.Error())
		return r.finish()
	}

	release := sync.OnceFunc(func() {
		if cerr := body.Close(); cerr != nil {
			d.logger.Debug("Closing training stream", zap.Error(cerr))
		}
	})
	// Cancellation unblocks a pending Read by closing the body.
	stop := context.AfterFunc(ctx, release)
	defer func() {
		stop()
		release()
	}()

	dec := sse.NewDecoder(d.cfg.MaxRecordBytes)
	defer d.recordDecoderStats(dec)

	buf := make([]byte, d.cfg.ChunkSize)
	for {
		n, rerr := body.Read(buf)
		if err := ctx.Err(); err != nil {
			return r.cancelled(err)
		}

		if n > 0 {
			if r.consume(dec.Feed(buf[:n])) {
				return r.finish()
			}
		}

		switch {
		case rerr == nil:
			continue
		case errors.Is(rerr, io.EOF):
			if r.consume(dec.Flush()) {
				return r.finish()
			}
			d.logger.Warn("Training stream closed before a terminal event",
				zap.String("status", r.state.Status.String()),
			)
			r.synthesize(MsgStreamEnded)
			return r.finish()
		default:
			d.logger.Warn("Training stream read failed", zap.Error(rerr))
			r.synthesize(fmt.Sprintf("stream read failed: %v", rerr))
			return r.finish()
		}
	}
}

// consume parses and folds records, reporting whether a terminal state was reached.
func (r *run) consume(records []sse.Record) bool {
	for _, rec := range records {
		ev, err := r.d.parser.Parse(rec)
		if err != nil {
			reason := "malformed"
			var perr *parser.ParseError
			if errors.As(err, &perr) {
				reason = perr.Reason()
			}
			r.d.metrics.RecordDropped(reason, 1)
			r.d.logger.Warn("Dropping unparseable record", zap.Error(err))
			continue
		}
		if r.apply(ev) {
			return true
		}
	}
	return false
}

// apply folds one event and publishes the new state if it changed.
func (r *run) apply(ev domain.Event) bool {
	if !progress.Accepts(r.state, ev) {
		r.d.logger.Debug("Ignoring event",
			zap.String("type", ev.Type().String()),
			zap.String("status", r.state.Status.String()),
		)
		return r.state.IsTerminal()
	}

	r.state = progress.Fold(r.state, ev)
	r.d.metrics.RecordEvent(ev.Type())
	r.span.AddEvent(ev.Type().String())
	if r.ctx.Err() == nil {
		r.publish(r.state)
	}
	return r.state.IsTerminal()
}

// synthesize fails the run with msg unless it is already terminal.
func (r *run) synthesize(msg string) {
	r.apply(domain.ErrorEvent{Message: msg})
}

func (r *run) finish() (progress.RunState, error) {
	r.span.SetAttributes(
		attribute.String("run.status", r.state.Status.String()),
		attribute.Int("run.completed_units", int(r.state.CompletedUnits)),
		attribute.Int("run.expected_units", int(r.state.ExpectedTotalUnits)),
	)
	if r.state.Status == domain.RunStatusFailed && r.state.ErrorMessage != nil {
		r.span.SetStatus(codes.Error, *r.state.ErrorMessage)
	}
	return r.state, nil
}

func (r *run) cancelled(err error) (progress.RunState, error) {
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, "cancelled")
	return r.state, err
}

func (d *Driver) recordDecoderStats(dec *sse.Decoder) {
	stats := dec.Stats()
	d.metrics.RecordDecoded(stats.Emitted)
	d.metrics.RecordDropped("oversized", stats.Oversized)
	d.metrics.RecordDropped("non_data", stats.NonData)
}
