package observability

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// sdkFieldNames renames the SDK's tag keys to the field names the rest of
// the service logs, so a compile run can be followed by workflow_id across
// server, worker and SDK entries.
var sdkFieldNames = map[string]string{
	"WorkflowID":   "workflow_id",
	"RunID":        "workflow_run_id",
	"WorkflowType": "workflow_type",
	"ActivityID":   "activity_id",
	"ActivityType": "activity",
	"Attempt":      "attempt",
	"TaskQueue":    "task_queue",
	"Namespace":    "namespace",
}

// TemporalLogger feeds Temporal SDK logs into zerolog.
type TemporalLogger struct {
	logger zerolog.Logger
}

var (
	_ log.Logger     = (*TemporalLogger)(nil)
	_ log.WithLogger = (*TemporalLogger)(nil)
)

func NewTemporalLogger(logger zerolog.Logger) *TemporalLogger {
	return &TemporalLogger{logger: logger.With().Str("component", "temporal-sdk").Logger()}
}

func (l *TemporalLogger) Debug(msg string, keyvals ...any) { l.emit(l.logger.Debug(), msg, keyvals) }
func (l *TemporalLogger) Info(msg string, keyvals ...any)  { l.emit(l.logger.Info(), msg, keyvals) }
func (l *TemporalLogger) Warn(msg string, keyvals ...any)  { l.emit(l.logger.Warn(), msg, keyvals) }
func (l *TemporalLogger) Error(msg string, keyvals ...any) { l.emit(l.logger.Error(), msg, keyvals) }

func (l *TemporalLogger) With(keyvals ...any) log.Logger {
	return &TemporalLogger{logger: l.logger.With().Fields(keyvalToMap(keyvals)).Logger()}
}

func (l *TemporalLogger) emit(e *zerolog.Event, msg string, keyvals []any) {
	e.Fields(keyvalToMap(keyvals)).Msg(msg)
}

// keyvalToMap pairs up SDK keyvals. Non-string keys are formatted with %v and
// a trailing key without a value maps to nil.
func keyvalToMap(keyvals []any) map[string]any {
	m := make(map[string]any, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if renamed, ok := sdkFieldNames[key]; ok {
			key = renamed
		}
		var val any
		if i+1 < len(keyvals) {
			val = keyvals[i+1]
		}
		m[key] = val
	}
	return m
}
