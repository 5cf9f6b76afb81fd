// Package telemetry installs the OpenTelemetry trace pipeline.
//
// When enabled, spans from the orchestrator, the checkpoint committer and
// the HTTP API are exported over OTLP (grpc or http/protobuf) and their
// trace ids appear in every log line written under the span. When disabled
// the global no-op provider stays in place.
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Tests use NewTestTelemetry, which records spans in memory.
package telemetry
