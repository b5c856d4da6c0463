// Package api serves the engine over HTTP.
//
// Routes:
//
//	POST /pipelines                  provision a pipeline (202 with the outcome)
//	GET  /pipelines                  list summaries; pipelineType, status,
//	                                 includeTerminated and limit filter
//	GET  /pipelines/{id}             the full pipeline record
//	POST /pipelines/{id}/terminate   mark a pipeline terminated
//	GET  /blueprints                 the registered blueprints
//	GET  /healthz                    liveness, optionally backed by a check
//	GET  /metrics                    Prometheus metrics when configured
//
// Errors are returned as {errorType, message, detailedMessage, details}.
// Validation errors map to 400, unknown pipelines to 404, policy denials to
// 403, conflicts to 409, substrate rejections to 502 and everything else
// to 500.
package api
