package lgr

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/mdobak/go-xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestPrettyHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.Info("stage fetched", slog.String("stage", "ObjectDetection"), slog.Int("results", 2))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "stage fetched")
	assert.Contains(t, out, `"stage": "ObjectDetection"`)
	assert.Contains(t, out, `"results": 2`)
}

func TestErrorAttributes(t *testing.T) {
	t.Run("stack trace attached", func(t *testing.T) {
		a := replaceAttr(nil, slog.Any("error", xerrors.New("engine lost")))
		assert.Equal(t, slog.KindGroup, a.Value.Kind())

		keys := []string{}
		for _, g := range a.Value.Group() {
			keys = append(keys, g.Key)
		}
		assert.Contains(t, keys, "msg")
		assert.Contains(t, keys, "trace")
	})

	t.Run("plain error keeps message only", func(t *testing.T) {
		a := replaceAttr(nil, slog.Any("error", errors.New("plain")))
		group := a.Value.Group()
		assert.Len(t, group, 1)
		assert.Equal(t, "plain", group[0].Value.String())
	})
}

func TestConfigureConsoleOnly(t *testing.T) {
	previous := Logger
	defer func() { Logger = previous }()

	closer := Configure("", slog.LevelDebug)
	assert.NoError(t, closer.Close())
	assert.True(t, Logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestSpanAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&fanoutHandler{handlers: []slog.Handler{slog.NewJSONHandler(&buf, nil)}})

	run := WithSpan(context.Background())
	runSpan := trace.SpanContextFromContext(run)
	require.True(t, runSpan.IsValid())

	cycle := WithSpan(run)
	cycleSpan := trace.SpanContextFromContext(cycle)
	assert.Equal(t, runSpan.TraceID(), cycleSpan.TraceID())
	assert.NotEqual(t, runSpan.SpanID(), cycleSpan.SpanID())

	logger.InfoContext(cycle, "cycle completed")
	out := buf.String()
	assert.Contains(t, out, `"trace_id":"`+cycleSpan.TraceID().String()+`"`)
	assert.Contains(t, out, `"span_id":"`+cycleSpan.SpanID().String()+`"`)

	buf.Reset()
	logger.Info("no span")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestSpanJoinsIncomingTrace(t *testing.T) {
	incoming := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), incoming)

	got := trace.SpanContextFromContext(WithSpan(ctx))
	assert.Equal(t, incoming.TraceID(), got.TraceID())
	assert.True(t, got.IsSampled())
	assert.NotEqual(t, incoming.SpanID(), got.SpanID())
}
