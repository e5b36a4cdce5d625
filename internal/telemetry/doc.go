// Package telemetry wires OpenTelemetry tracing and metrics export for pools.
//
// Spans are named after the operation in lowercase dotted form: pool.start,
// pool.dispatch, pool.stop, server.encode. Metrics are created by the
// packages that own them (internal/pool, internal/encoder) on the meter
// returned by Telemetry.Meter or the global provider.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans and metrics in memory
// without touching the global providers.
package telemetry
