package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		switch evt.Kind {
		case progress.KindDownload:
			res := evt.Result
			fields = append(fields,
				zap.String("status", string(res.Status)),
				zap.Int64("bytes", res.Bytes),
				zap.String("mime", res.MIME),
				zap.Duration("dur", res.Duration),
				zap.Int("retries", res.RetriesUsed),
			)
			if res.Err != nil {
				fields = append(fields, zap.NamedError("cause", res.Err))
			}
		case progress.KindRetry:
			fields = append(fields, zap.Int("attempt", evt.Attempt), zap.Int("max_attempts", evt.MaxAttempts))
		case progress.KindSourceDone:
			fields = append(fields, zap.String("source_status", string(evt.SourceStatus)))
			if evt.Err != nil {
				fields = append(fields, zap.NamedError("cause", evt.Err))
			}
		case progress.KindJobDone:
			fields = append(fields, zap.String("job_status", string(evt.JobStatus)), zap.String("message", evt.Message))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
