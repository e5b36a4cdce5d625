// Package logging provides structured logging for embedpool.
//
// # Overview
//
// The package wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - stdout and optional OpenTelemetry output
//   - automatic context fields (trace_id, pool.id, call.id, worker.device)
//   - redaction of credential-like fields (TEI API keys)
//   - level-aware sampling (errors are never sampled)
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithPoolID(ctx, pool.ID())
//	ctx = logging.WithCallID(ctx, callID)
//	logger.Info(ctx, "dispatch complete", zap.Int("chunks", n))
//
// Library packages (pool, encoder, queue) accept a plain *zap.Logger;
// use Logger.Underlying to hand one over.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "worker started", zap.String("device", "cpu"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "worker started")
//	tl.AssertField(t, "worker started", "device", "cpu")
package logging
