package report

import (
	"context"

	"go.uber.org/zap"

	"chainwatch/internal/render"
	"chainwatch/internal/sink"
)

// Snapshot captures pipeline context at the moment of an unrecoverable cycle
// failure.
type Snapshot struct {
	Pipeline string `json:"pipeline"`
	State    string `json:"state"`
	Items    int    `json:"items"`
}

// Reporter receives one report per unrecoverable cycle failure. The pipeline
// never retries a report.
type Reporter interface {
	Report(ctx context.Context, err error, snap Snapshot)
}

// LogReporter writes reports to the process log.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(_ context.Context, err error, snap Snapshot) {
	r.logger.Error("pipeline cycle failed",
		zap.Error(err),
		zap.String("pipeline", snap.Pipeline),
		zap.String("state", snap.State),
		zap.Int("items", snap.Items),
	)
}

// SinkReporter forwards reports to a dedicated error channel through the
// notification sink, falling back to the log when the send fails.
type SinkReporter struct {
	sink    sink.Sink
	channel string
	logger  *zap.Logger
}

func NewSinkReporter(s sink.Sink, channel string, logger *zap.Logger) *SinkReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SinkReporter{sink: s, channel: channel, logger: logger}
}

func (r *SinkReporter) Report(ctx context.Context, err error, snap Snapshot) {
	payload := render.Payload{
		Title: "pipeline error",
		Body:  err.Error(),
		Fields: map[string]string{
			"pipeline": snap.Pipeline,
			"state":    snap.State,
		},
	}
	if sendErr := r.sink.Send(ctx, r.channel, payload); sendErr != nil {
		r.logger.Error("error report delivery failed", zap.Error(sendErr), zap.NamedError("cause", err))
	}
}
