package logger

import (
	"covfuzz/config"
	"covfuzz/pkg/telemetry"
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

// NewLogger builds the process logger. Info and debug runs use the
// development encoder; stricter levels switch to JSON output. When a
// telemetry backend is present every entry is also emitted as an OTel log
// record.
func NewLogger(p LoggerParams) *zap.Logger {
	level := parseLevel(p.AppConfig.LogLevel)
	cfg := zap.NewDevelopmentConfig()
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	var opts []zap.Option
	if p.Telemetry != nil && p.Telemetry.GetLogger() != nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.Lc.Append(fx.StopHook(cancel))
		base := []attribute.KeyValue{
			attribute.String("crs.action.name", "fuzzing_log"),
			attribute.String("service.name", p.AppConfig.ServiceName),
		}
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &telemetryCore{Core: core, emitter: p.Telemetry.GetLogger(), ctx: ctx, attrs: base}
		}))
	}

	lg, err := cfg.Build(opts...)
	if err != nil {
		return zap.NewExample()
	}
	if len(opts) > 0 {
		lg.Debug("logger bridged to telemetry")
	}
	return lg
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// telemetryCore tees entries into an OTel logger. Fields attached with
// With are carried along so child loggers keep their context.
type telemetryCore struct {
	zapcore.Core
	emitter log.Logger
	ctx     context.Context
	attrs   []attribute.KeyValue
}

func (t *telemetryCore) With(fields []zapcore.Field) zapcore.Core {
	attrs := make([]attribute.KeyValue, 0, len(t.attrs)+len(fields))
	attrs = append(attrs, t.attrs...)
	attrs = appendFields(attrs, fields)
	return &telemetryCore{
		Core:    t.Core.With(fields),
		emitter: t.emitter,
		ctx:     t.ctx,
		attrs:   attrs,
	}
}

func (t *telemetryCore) Check(ent zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if t.Enabled(ent.Level) {
		return checked.AddCore(ent, t)
	}
	return checked
}

func (t *telemetryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := t.Core.Write(ent, fields); err != nil {
		return err
	}

	var rec log.Record
	rec.SetTimestamp(ent.Time)
	rec.SetBody(log.StringValue(ent.Message))
	rec.SetSeverityText(ent.Level.String())
	if ent.LoggerName != "" {
		rec.AddAttributes(log.String("logger", ent.LoggerName))
	}

	attrs := appendFields(append([]attribute.KeyValue(nil), t.attrs...), fields)
	for _, attr := range attrs {
		rec.AddAttributes(log.KeyValueFromAttribute(attr))
	}
	t.emitter.Emit(t.ctx, rec)
	return nil
}

func appendFields(attrs []attribute.KeyValue, fields []zapcore.Field) []attribute.KeyValue {
	for _, f := range fields {
		if kv, ok := fieldAttribute(f); ok {
			attrs = append(attrs, kv)
		}
	}
	return attrs
}

// fieldAttribute maps a zap field onto an OTel attribute. Signed integer
// fields already hold a sign-extended value in Integer.
func fieldAttribute(f zapcore.Field) (attribute.KeyValue, bool) {
	switch f.Type {
	case zapcore.SkipType, zapcore.NamespaceType:
		return attribute.KeyValue{}, false
	case zapcore.BoolType:
		return attribute.Bool(f.Key, f.Integer == 1), true
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
		zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type, zapcore.UintptrType:
		return attribute.Int64(f.Key, f.Integer), true
	case zapcore.DurationType:
		return attribute.String(f.Key, time.Duration(f.Integer).String()), true
	case zapcore.StringType:
		return attribute.String(f.Key, f.String), true
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return attribute.String(f.Key, err.Error()), true
		}
		return attribute.KeyValue{}, false
	case zapcore.Float64Type, zapcore.Float32Type:
		enc := zapcore.NewMapObjectEncoder()
		f.AddTo(enc)
		if v, ok := enc.Fields[f.Key].(float64); ok {
			return attribute.Float64(f.Key, v), true
		}
		if v, ok := enc.Fields[f.Key].(float32); ok {
			return attribute.Float64(f.Key, float64(v)), true
		}
		return attribute.KeyValue{}, false
	default:
		enc := zapcore.NewMapObjectEncoder()
		f.AddTo(enc)
		return attribute.String(f.Key, fmt.Sprint(enc.Fields[f.Key])), true
	}
}
