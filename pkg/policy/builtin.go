package policy

import (
	"time"
)

// SourceBuiltin is the Source of the built-in policies.
const SourceBuiltin = "builtin"

// BuiltinPolicies returns all built-in admission policies.
func BuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		restrictedInstanceTypesPolicy(),
		fanoutLimitPolicy(),
		encryptionAtRestPolicy(),
	}
	for i := range policies {
		policies[i].Enabled = true
		policies[i].Source = SourceBuiltin
		policies[i].LoadedAt = now
	}
	return policies
}

// restrictedInstanceTypesPolicy denies accelerator families that need a
// capacity reservation.
func restrictedInstanceTypesPolicy() Policy {
	return Policy{
		Name:        "restricted-instance-types",
		Description: "Denies instance families that require a capacity reservation",
		Severity:    SeverityError,
		Tags:        []string{"cost", "capacity"},
		Rego: `package mlpipe.admission.instances

import rego.v1

restricted_families := {"p4d", "p4de", "p5", "p5e", "trn1n"}

instance_parameter(name) if endswith(name, "_instance")

instance_parameter(name) if endswith(name, "instance_type")

deny contains violation if {
	some name, value in input.request.parameters
	instance_parameter(name)
	parts := split(value, ".")
	count(parts) == 3
	parts[1] in restricted_families
	violation := {
		"message": sprintf("%s %s requires a capacity reservation", [name, value]),
		"severity": "error",
	}
}
`,
	}
}

// fanoutLimitPolicy bounds the number of target environments per request.
func fanoutLimitPolicy() Policy {
	return Policy{
		Name:        "fanout-limit",
		Description: "Limits the number of target environments of a single request",
		Severity:    SeverityError,
		Tags:        []string{"fanout"},
		Rego: `package mlpipe.admission.fanout

import rego.v1

max_targets := 20

deny contains violation if {
	n := count(input.request.target_environments)
	n > max_targets
	violation := {
		"message": sprintf("%d target environments exceed the limit of %d", [n, max_targets]),
		"severity": "error",
	}
}
`,
	}
}

// encryptionAtRestPolicy warns when a blueprint accepts a KMS key and the
// request does not supply one.
func encryptionAtRestPolicy() Policy {
	return Policy{
		Name:        "encryption-at-rest",
		Description: "Warns when a request relies on the platform default encryption key",
		Severity:    SeverityWarning,
		Tags:        []string{"security", "encryption"},
		Rego: `package mlpipe.admission.encryption

import rego.v1

missing_key if not input.request.parameters.kms_key_arn

missing_key if input.request.parameters.kms_key_arn == ""

deny contains violation if {
	"kms_key_arn" in input.blueprint.parameters
	missing_key
	violation := {
		"message": sprintf("%s request has no kms_key_arn; the platform default key is used", [input.request.pipeline_type]),
		"severity": "warning",
	}
}
`,
	}
}
