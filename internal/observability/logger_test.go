package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("unknown level falls back to info", func(t *testing.T) {
		logger := NewLogger(LoggingConfig{Level: "loud", Format: "json"})
		assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	})

	t.Run("creates logger with console format on stderr", func(t *testing.T) {
		logger := NewLogger(LoggingConfig{Level: "debug", Format: "console", Output: "stderr"})
		assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
	})
}

func TestNewLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "info", Format: "json", Service: "bookgen-test"}, &buf)

	logger.Info().Str("k", "v").Msg("hello")
	logger.Debug().Msg("suppressed")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "bookgen-test", entry["service"])
	assert.Equal(t, "v", entry["k"])
	assert.Contains(t, entry, "time")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{" Warn ", zerolog.WarnLevel},
		{"disabled", zerolog.InfoLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func captureEntry(t *testing.T, build func(zerolog.Logger) zerolog.Logger) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := build(zerolog.New(&buf))
	logger.Info().Msg("test")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestWithBookAndChapterContext(t *testing.T) {
	entry := captureEntry(t, func(l zerolog.Logger) zerolog.Logger {
		return WithChapterContext(l, "book-1", 3)
	})
	assert.Equal(t, "book-1", entry["book_id"])
	assert.Equal(t, float64(3), entry["chapter"])

	entry = captureEntry(t, func(l zerolog.Logger) zerolog.Logger {
		return WithBookContext(l, "book-2")
	})
	assert.Equal(t, "book-2", entry["book_id"])
}

func TestWithGenerationContext(t *testing.T) {
	entry := captureEntry(t, func(l zerolog.Logger) zerolog.Logger {
		return WithGenerationContext(l, "gemini", "outline")
	})
	assert.Equal(t, "gemini", entry["provider"])
	assert.Equal(t, "outline", entry["stage"])
}

func TestWithWorkflowContext(t *testing.T) {
	entry := captureEntry(t, func(l zerolog.Logger) zerolog.Logger {
		return WithWorkflowContext(l, "compile-abc", "run-1")
	})
	assert.Equal(t, "compile-abc", entry["workflow_id"])
	assert.Equal(t, "run-1", entry["workflow_run_id"])
}

func TestLoggerFromContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithCorrelationID(ctx, "corr-1")
	ctx = WithBookID(ctx, "book-9")

	entry := captureEntry(t, func(l zerolog.Logger) zerolog.Logger {
		return LoggerFromContext(ctx, l)
	})
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, "book-9", entry["book_id"])
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "workflow_id")
}
