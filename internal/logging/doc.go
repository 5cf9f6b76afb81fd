// Package logging provides structured logging on zap.
//
// The Logger takes a context on every call and adds the correlation fields
// it carries:
//
//	ctx = logging.WithEpicID(ctx, "42")
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "phase advanced", zap.String("next", "plan"))
//
// produces
//
//	{"level":"info","msg":"phase advanced","epic.id":"42","run.id":"...","next":"plan"}
//
// plus trace_id and span_id when ctx carries an OpenTelemetry span.
//
// TraceLevel (-2) sits below Debug. When sampling is enabled Debug, Info and
// Warn are sampled per tick; Error and above never are. Values of fields
// whose key contains a sensitive word (token, api_key, ...) are replaced
// before encoding.
//
// Tests use NewTestLogger and its Assert helpers.
package logging
