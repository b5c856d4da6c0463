// Package engine provides the core of the mlpipe pipeline orchestration engine.
//
// # Overview
//
// mlpipe turns provisioning requests for ML pipelines (real-time and batch
// inference, model monitors, training jobs, image builds) into deployments on
// a provisioning substrate and tracks every deployment to a definitive outcome.
// A request flows through these stages:
//
//  1. Validate - Normalize the raw request and check it against the blueprint (Validator)
//  2. Resolve - Map pipeline type and option to a template (Registry)
//  3. Admit - Evaluate admission policies (PolicyEvaluator)
//  4. Submit - Create or update one unit, or fan out to many environments (Coordinator, FanoutController)
//  5. Track - Record the submission and apply completion signals (Tracker)
//  6. Reconcile - Poll outstanding deployments and flag stale ones (Reconciler)
//
// # Core Domain Types
//
//   - Blueprint: A pipeline type and option bound to a template and parameter schema
//   - PipelineRequest: A validated provisioning request
//   - PipelineRecord: The durable state of one pipeline, with its lifecycle history
//   - DeploymentUnit: The substrate-level deployment of a pipeline
//   - StackSetInstance: One target environment of a fan-out deployment unit
//   - CompletionSignal: An asynchronous outcome reported by the substrate
//
// # Substrate Interface
//
// The provisioning substrate is abstracted behind a two-method interface:
//
//	type Substrate interface {
//	    Submit(ctx context.Context, in SubmitInput) (string, error)
//	    Describe(ctx context.Context, in DescribeInput) (*OperationStatus, error)
//	}
//
// Submit returns synchronously once the substrate accepts or rejects the
// request. Completion arrives later, either pushed as a CompletionSignal or
// observed by the Reconciler through Describe.
//
// # Concurrency
//
// Only one provisioning operation may be in flight per pipeline. The
// Coordinator takes a per-pipeline lease from the LockManager and refuses
// requests while a unit is requested or in progress. Record writes go through
// the Tracker, which uses optimistic versioning so that concurrent completion
// signals for different fan-out targets never lose updates.
//
// # Error Classification
//
// Errors are EngineError values classified as transient, throttled, conflict
// or permanent, and carry a code that maps to an external error type:
//
//	if errors.Is(err, ErrConcurrentProvisioningInProgress) {
//	    // Retry once the running operation completes
//	}
package engine
