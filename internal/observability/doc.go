// Package observability provides monitoring and debugging capabilities for
// loom through metrics, structured logging, distributed tracing, and an
// in-process event timeline.
//
// # Overview
//
// The package implements four instruments:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//  4. Events - A per-turn timeline for debugging tool-heavy turns
//
// # Metrics
//
// Metrics are implemented with the Prometheus client libraries and track:
//   - Turn throughput, outcomes, and rounds per turn
//   - Provider request latency and token usage (including cache tokens)
//   - Tool execution performance
//   - Branch operations and sequence repairs on thread history
//   - Error rates by component and type
//   - Database query performance
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	metrics.TurnStarted("anthropic")
//	defer metrics.TurnFinished("anthropic", outcome, rounds)
//
//	start := time.Now()
//	// ... call the provider ...
//	metrics.RecordProviderRequest("anthropic", model, "success",
//	    time.Since(start).Seconds(), inputTokens, outputTokens)
//
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("http_fetch", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic correlation IDs pulled from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//   - Configurable log levels
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	ctx := observability.AddConversationID(ctx, conv.ID)
//	ctx = observability.AddThreadID(ctx, threadID)
//
//	logger.Info(ctx, "turn started", "provider", "anthropic")
//
//	// Error logging with automatic redaction
//	logger.Error(ctx, "provider request failed",
//	    "error", err,
//	    "api_key", apiKey, // automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry. With no endpoint configured the
// tracer is a no-op, so instrumentation stays in place unconditionally:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "loom",
//	    ServiceVersion: version,
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceTurn(ctx, conversationID, threadID)
//	defer span.End()
//
//	ctx, callSpan := tracer.TraceProviderCall(ctx, "anthropic", model)
//	defer callSpan.End()
//	if err != nil {
//	    tracer.RecordError(callSpan, err)
//	}
//
// # Events
//
// The event timeline records what happened inside a turn: turn start and
// end, every provider round, and every tool execution, all correlated by
// the IDs carried in context. The recorder is nil-safe, so call sites need
// no guards when events are disabled:
//
//	store := observability.NewMemoryEventStore(0)
//	recorder := observability.NewEventRecorder(store, logger)
//
//	ctx = observability.AddTurnID(ctx, turnID)
//	recorder.RecordTurnStart(ctx, turnID, nil)
//	// ...
//	recorder.RecordTurnEnd(ctx, time.Since(start), "done", nil)
//
//	events, _ := store.GetByTurnID(turnID)
//	fmt.Println(observability.FormatTimeline(observability.BuildTimeline(events)))
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens
//   - Bearer tokens
//   - Custom patterns via configuration
//
// Sensitive fields in maps are also redacted:
//   - password, passwd, pwd
//   - secret, api_key, apikey
//   - token, auth, authorization
//   - private_key, privatekey
//
// # Testing
//
// All components provide testable surfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing is a no-op without an endpoint, safe in tests
//   - Events can be asserted against the in-memory store
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Turn throughput
//	rate(loom_turns_total[5m])
//
//	# Provider request latency (95th percentile)
//	histogram_quantile(0.95, rate(loom_provider_request_duration_seconds_bucket[5m]))
//
//	# Error rate
//	rate(loom_errors_total[5m])
//
//	# Turns in flight
//	loom_active_turns
//
//	# Tool execution time
//	rate(loom_tool_execution_duration_seconds_sum[5m]) /
//	rate(loom_tool_execution_duration_seconds_count[5m])
//
// # Further Reading
//
//   - Prometheus best practices: https://prometheus.io/docs/practices/naming/
//   - OpenTelemetry specification: https://opentelemetry.io/docs/specs/otel/
//   - slog documentation: https://pkg.go.dev/log/slog
package observability
