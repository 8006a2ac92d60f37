package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"FusionChat/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestInitLogger_WritesToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	logger, closeFn, err := InitLogger(config.LogConfig{Dir: dir, File: "test.log", Level: "warn"}, true)
	require.NoError(t, err)

	logger.Debug("debug enabled by flag", "conversation_id", "c1")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"conversation_id":"c1"`)
}

func TestInitTelemetry_Disabled(t *testing.T) {
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	require.NotNil(t, tracer)
	require.NotNil(t, meter)
	cleanup()
}

func TestInitTelemetry_Enabled(t *testing.T) {
	dir := t.TempDir()
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), config.TelemetryConfig{Enabled: true, Dir: dir})
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "chat.test")
	span.End()
	counter, err := meter.Int64Counter("test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	cleanup()

	_, err = os.Stat(filepath.Join(dir, "fusionchat_traces.log"))
	assert.NoError(t, err)
}
