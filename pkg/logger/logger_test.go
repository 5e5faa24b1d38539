package logger

import (
	"context"
	"covfuzz/config"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingLogger struct {
	noop.Logger
	records []log.Record
}

func (r *recordingLogger) Emit(_ context.Context, rec log.Record) {
	r.records = append(r.records, rec)
}

type fakeTelemetry struct {
	logger log.Logger
}

func (f *fakeTelemetry) GetTracer() trace.Tracer { return nil }
func (f *fakeTelemetry) GetLogger() log.Logger   { return f.logger }

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"", zapcore.InfoLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			lc := fxtest.NewLifecycle(t)
			lg := NewLogger(LoggerParams{Lc: lc, AppConfig: &config.AppConfig{LogLevel: tt.level}})
			require.NotNil(t, lg)
			assert.True(t, lg.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, lg.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestTelemetryCoreForwardsRecords(t *testing.T) {
	inner, logs := observer.New(zapcore.DebugLevel)
	rec := &recordingLogger{}
	core := &telemetryCore{
		Core:    inner,
		emitter: rec,
		ctx:     context.Background(),
	}

	lg := zap.New(core).With(zap.String("run_id", "r1"))
	lg.Info("unique crash",
		zap.Int("iteration", 12),
		zap.String("signature", "Parser::getObj"),
		zap.Float64("ratio", 0.5),
		zap.Duration("elapsed", 1500*time.Millisecond),
	)

	assert.Equal(t, 1, logs.Len())
	require.Len(t, rec.records, 1)
	assert.Equal(t, "unique crash", rec.records[0].Body().AsString())

	got := map[string]log.Value{}
	rec.records[0].WalkAttributes(func(kv log.KeyValue) bool {
		got[kv.Key] = kv.Value
		return true
	})
	assert.Equal(t, "r1", got["run_id"].AsString())
	assert.Equal(t, int64(12), got["iteration"].AsInt64())
	assert.Equal(t, "Parser::getObj", got["signature"].AsString())
	assert.Equal(t, 0.5, got["ratio"].AsFloat64())
	assert.Equal(t, "1.5s", got["elapsed"].AsString())
}

func TestNewLoggerWithTelemetry(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	rec := &recordingLogger{}
	lg := NewLogger(LoggerParams{
		Lc:        lc,
		AppConfig: &config.AppConfig{LogLevel: "info", ServiceName: "covfuzz"},
		Telemetry: &fakeTelemetry{logger: rec},
	})
	lc.RequireStart()
	lg.Info("fuzzing started")
	lc.RequireStop()

	require.Len(t, rec.records, 1)
	var service string
	rec.records[0].WalkAttributes(func(kv log.KeyValue) bool {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
		return true
	})
	assert.Equal(t, "covfuzz", service)
}
