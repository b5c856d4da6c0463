// Package notify delivers pipeline lifecycle notifications.
//
// An Emitter implements engine.Notifier. It queues notifications in a
// bounded buffer and fans each one out to its sinks from a background
// goroutine, retrying failed deliveries with exponential backoff. A full
// buffer drops the notification and counts it; delivery problems are logged
// and never fail the provisioning or reconcile operation that produced them.
//
// Sinks:
//
//   - LogSink writes structured zerolog entries.
//   - NATSSink publishes JSON to <subject>.<event type>.
//   - FuncSink wraps a function, mostly for tests and embedding.
//
// Usage:
//
//	emitter := notify.NewEmitter(notify.DefaultConfig(), tel.Metrics, logger)
//	emitter.AddSink(notify.NewLogSink(logger), nil)
//	emitter.AddSink(notify.NewNATSSink(nc, "mlpipe.events"), notify.FilterBySeverity("warning"))
//	defer emitter.Shutdown(ctx)
package notify
