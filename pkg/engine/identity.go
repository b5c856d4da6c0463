package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const unitPrefix = "mlpipe"

// DerivePipelineID returns the caller-supplied pipeline ID, or derives a stable one
// from the pipeline type, option and the blueprint's key parameters.
// Requests that differ only in non-key parameters map to the same pipeline.
func DerivePipelineID(req *PipelineRequest, bp *Blueprint) string {
	if req.PipelineID != "" {
		return req.PipelineID
	}

	keys := bp.KeyParameters
	if len(keys) == 0 {
		for _, p := range bp.ParameterSchema.Parameters {
			if p.Required {
				keys = append(keys, p.Name)
			}
		}
	}
	keys = append([]string(nil), keys...)
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(req.PipelineType))
	h.Write([]byte{'|'})
	h.Write([]byte(req.Option))
	for _, k := range keys {
		h.Write([]byte{'|'})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(strings.ToLower(req.Parameters[k])))
	}
	return "pl-" + hex.EncodeToString(h.Sum(nil))[:12]
}

// UnitName returns the substrate name of a pipeline's single deployment unit.
func UnitName(pipelineID string) string {
	return strings.ToLower(unitPrefix + "-" + pipelineID)
}

// InstanceUnitName returns the substrate name of one fan-out instance.
func InstanceUnitName(pipelineID string, env EnvironmentRef) string {
	return strings.ToLower(unitPrefix + "-" + pipelineID + "-" + env.AccountID + "-" + env.Region)
}
