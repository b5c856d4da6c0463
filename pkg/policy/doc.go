// Package policy provides Open Policy Agent (OPA) admission policies for
// mlpipe.
//
// The Engine implements engine.PolicyEvaluator. The coordinator calls it for
// every validated request after blueprint resolution and before the
// provisioning lock is taken, so a denial never touches the substrate.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithRecorder(metrics))
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/mlpipe/policies"}); err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, []string{"/etc/mlpipe/policies"}); err != nil {
//	    return err
//	}
//
// # Input
//
// Policies see one document per request:
//
//	input.request     the validated request (pipeline_type, option, parameters,
//	                  target_environments, is_update, request_id)
//	input.blueprint   pipeline_type, option, template_id, parameters (names),
//	                  supported_regions
//	input.context     operation ("create" or "update"), timestamp
//
// # Writing policies
//
// A policy module defines a deny set. Elements are message strings or
// objects with message and severity:
//
//	# Training jobs in the sandbox use one instance.
//	# severity: error
//	package mlpipe.admission.sandbox
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.request.pipeline_type == "model-training"
//	    input.request.parameters.instance_count != "1"
//	    msg := "sandbox training jobs use a single instance"
//	}
//
// Violations of severity error or critical deny the request. Warnings and
// info are returned with the decision and never block.
//
// # Built-in Policies
//
//   - restricted-instance-types: denies accelerator families that need a
//     capacity reservation
//   - fanout-limit: denies requests with more than 20 target environments
//   - encryption-at-rest: warns when a blueprint accepts kms_key_arn and the
//     request leaves it empty
//
// # Hot Reload
//
// Watch reloads every file policy under the watched paths after a change
// settles. Built-in policies are kept across reloads. A reload that fails to
// compile leaves the previous set in place.
package policy
