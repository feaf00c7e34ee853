// Package observability provides OpenTelemetry tracing and metrics for
// the analysis service.
//
// # Setup
//
// Initialize the provider at startup:
//
//	obs, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "socpocket",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//	})
//	defer obs.Shutdown(ctx)
//
// Trace HTTP requests:
//
//	http.ListenAndServe(addr, obs.HTTPMiddleware(handler))
//
// Track any operation:
//
//	ctx, finish := obs.TrackOperation(ctx, "stage.execute",
//		observability.StageOperation(caseID, stage, model, autonomy)...)
//	defer func() { finish(err) }()
//
// # Log correlation
//
// Wrap the root slog handler so log lines carry trace and span IDs:
//
//	logger := slog.New(observability.NewTraceHandler(
//		slog.NewJSONHandler(os.Stderr, nil)))
package observability
