package observe

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapObserver struct {
	logger *zap.Logger
}

// Zap writes log lines and events to logger. Progress goes to debug.
func Zap(logger *zap.Logger) Observer {
	return zapObserver{logger: logger}
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func (z zapObserver) Log(level Level, msg string, fields ...Field) {
	lvl, err := zapcore.ParseLevel(string(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if ce := z.logger.Check(lvl, msg); ce != nil {
		ce.Write(toZap(fields)...)
	}
}

func (z zapObserver) Progress(current, total int64, label string) {
	z.logger.Debug("progress", zap.String("op", label), zap.Int64("current", current), zap.Int64("total", total))
}

func (z zapObserver) Notify(ev Event) {
	fields := []zap.Field{zap.String("event", string(ev.Kind))}
	if ev.Path != "" {
		fields = append(fields, zap.String("path", ev.Path))
	}
	if ev.RemoteID != "" {
		fields = append(fields, zap.String("remote_id", ev.RemoteID))
	}
	if ev.Count != 0 {
		fields = append(fields, zap.Int("count", ev.Count))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	msg := ev.Message
	if msg == "" {
		msg = string(ev.Kind)
	}

	switch ev.Kind {
	case EventUploadFailed, EventQuotaExceeded, EventMoveFailed, EventPartialSuccess:
		z.logger.Warn(msg, fields...)
	default:
		z.logger.Info(msg, fields...)
	}
}
