// Package substrate provides clients for the external provisioning system
// that materializes deployment units.
//
// Simulator is an in-process substrate for development and tests: it accepts
// submissions, completes them after a configurable latency and reports the
// outcome through Describe and a completion signal stream. Rejections and
// failures can be scripted per unit name or region.
//
// NATSClient reaches a remote substrate over NATS request/reply on
// <prefix>.submit and <prefix>.describe and consumes completion signals from
// <prefix>.completed. Responder serves any engine.Substrate on the same
// subjects, so a Simulator can stand in for the real service.
package substrate
