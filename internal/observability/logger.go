package observability

import (
	"cmp"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig mirrors config.LoggingConfig plus the service name stamped
// on every entry.
type LoggingConfig struct {
	Level      string // trace..panic; "warning" is accepted; unknown means info
	Format     string // json, or console/pretty for humans
	Output     string // stdout or stderr
	AddSource  bool
	TimeFormat string
	Service    string
}

// NewLogger builds the process logger and sets the zerolog global level to
// match, so library loggers derived from zerolog.Logger{} obey it too.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return newLogger(cfg, out)
}

func newLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = cmp.Or(cfg.TimeFormat, time.RFC3339)

	switch strings.ToLower(cfg.Format) {
	case "console", "pretty":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: zerolog.TimeFieldFormat}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.AddSource {
		ctx = ctx.Caller()
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	return ctx.Logger().Level(level)
}

func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return zerolog.WarnLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" || level == zerolog.NoLevel || level == zerolog.Disabled {
		return zerolog.InfoLevel
	}
	return level
}

// WithBookContext adds the book identifier to a logger.
func WithBookContext(logger zerolog.Logger, bookID string) zerolog.Logger {
	return logger.With().Str("book_id", bookID).Logger()
}

// WithChapterContext adds book and chapter fields to a logger.
func WithChapterContext(logger zerolog.Logger, bookID string, chapter int) zerolog.Logger {
	return logger.With().
		Str("book_id", bookID).
		Int("chapter", chapter).
		Logger()
}

// WithGenerationContext adds provider and stage fields to a logger.
func WithGenerationContext(logger zerolog.Logger, provider, stage string) zerolog.Logger {
	return logger.With().
		Str("provider", provider).
		Str("stage", stage).
		Logger()
}

// WithWorkflowContext adds Temporal workflow fields to a logger.
func WithWorkflowContext(logger zerolog.Logger, workflowID, runID string) zerolog.Logger {
	return logger.With().
		Str("workflow_id", workflowID).
		Str("workflow_run_id", runID).
		Logger()
}

// LoggerFromContext enriches base with whatever request, book and trace
// identifiers ctx carries.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	rc := RequestContextFromContext(ctx)
	lc := base.With()
	if rc.RequestID != "" {
		lc = lc.Str("request_id", rc.RequestID)
	}
	if rc.CorrelationID != "" {
		lc = lc.Str("correlation_id", rc.CorrelationID)
	}
	if rc.BookID != "" {
		lc = lc.Str("book_id", rc.BookID)
	}
	if rc.TraceID != "" {
		lc = lc.Str("trace_id", rc.TraceID).Str("span_id", rc.SpanID)
	}
	logger := lc.Logger()
	if rc.WorkflowID != "" {
		logger = WithWorkflowContext(logger, rc.WorkflowID, rc.RunID)
	}
	return logger
}
