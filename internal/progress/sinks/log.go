package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/vk-harvester/internal/progress"
)

// LogSink writes every event as a structured log line. Task events go to
// debug, run and stage events to info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Kind {
		case progress.KindTaskDone:
			level = zapcore.DebugLevel
		case progress.KindTaskFailed, progress.KindRunError:
			level = zapcore.WarnLevel
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("kind", string(evt.Kind)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Stage != "" {
			fields = append(fields, zap.String("stage", evt.Stage))
		}
		if evt.Target != "" {
			fields = append(fields, zap.String("target", evt.Target))
		}
		if evt.Items > 0 {
			fields = append(fields, zap.Int64("items", evt.Items))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(level, "progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
